package filter

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/mask"
)

var (
	colorFace  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	colorMark  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	colorTris  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	colorFD    = color.RGBA{R: 0, G: 128, B: 255, A: 255}
	colorLabel = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// composite draws the mask and any debug overlays onto out using the
// detection result currently in use.
func (f *Filter) composite(out *gocv.Mat, s Settings) {
	frame := image.Rect(0, 0, out.Cols(), out.Rows())
	faces, tri := f.faces, f.triangulation
	label := ""

	if s.GreenScreen {
		out.SetTo(gocv.NewScalar(0, 255, 0, 0))
	}

	f.loader.With(func(v mask.View) {
		if v.Mask == nil {
			return
		}
		label = v.Mask.Name
		if s.PreviewMode {
			faces = face.DetectionResults{previewFace(frame)}
			tri = face.Triangulate(faces, v.Mask.MorphData())
		}
		if s.DrawMask && len(faces) > 0 {
			alpha := v.Mask.Opacity
			if v.Demo != nil {
				alpha *= v.Demo.Fade()
			}
			if alpha > 0 {
				f.drawMask(out, frame, v.Mask, faces, tri, alpha)
			}
		}
		if s.DrawFDRect {
			for _, fc := range faces {
				gocv.Rectangle(out, maskRect(fc.Bounds, v.Mask).Intersect(frame), colorFD, 1)
			}
		}
	})

	if s.DrawMorphTris {
		drawTriangles(out, tri)
	}
	if s.DrawFaces {
		for _, fc := range faces {
			drawFace(out, fc)
		}
		if label != "" {
			drawLabel(out, label)
		}
	}
}

// previewFace is a square face centered in frame, half the frame height.
func previewFace(frame image.Rectangle) face.DetectionResult {
	side := frame.Dy() / 2
	c := frame.Min.Add(frame.Size().Div(2))
	b := image.Rect(c.X-side/2, c.Y-side/2, c.X+side/2, c.Y+side/2)
	return face.DetectionResult{Bounds: b, Landmarks: face.LandmarksFor(b), Confidence: 1}
}

// maskRect is where a mask lands for a face: the detection rectangle scaled
// around its center and shifted down by OffsetY face heights.
func maskRect(b image.Rectangle, m *mask.Data) image.Rectangle {
	w := float64(b.Dx()) * m.Scale
	h := float64(b.Dy()) * m.Scale
	cx := float64(b.Min.X+b.Max.X) / 2
	cy := float64(b.Min.Y+b.Max.Y)/2 + m.OffsetY*float64(b.Dy())
	return image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2))
}

func (f *Filter) drawMask(out *gocv.Mat, frame image.Rectangle, m *mask.Data, faces face.DetectionResults, tri face.TriangulationResult, alpha float64) {
	if tex, ok := m.Texture(); ok && tex.Channels() == out.Channels() {
		for _, fc := range faces {
			blendTexture(out, frame, maskRect(fc.Bounds, m), tex, alpha, &f.texture)
		}
		return
	}

	polys := meshPolygons(tri)
	if len(polys) == 0 {
		return
	}
	out.CopyTo(&f.overlay)
	c := m.FillColor()
	// One triangle per call: fillPoly uses even-odd filling across polygons,
	// which would punch holes along shared edges.
	for _, p := range polys {
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{p})
		gocv.FillPoly(&f.overlay, pv, c)
		pv.Close()
	}
	gocv.AddWeighted(f.overlay, alpha, *out, 1-alpha, 0, out)
}

// blendTexture resizes tex to the full rectangle r, then blends the part of
// it that lies inside frame over out. Masks past the frame edge are cropped.
func blendTexture(out *gocv.Mat, frame, r image.Rectangle, tex gocv.Mat, alpha float64, scratch *gocv.Mat) {
	clip := r.Intersect(frame)
	if clip.Empty() || r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	gocv.Resize(tex, scratch, image.Pt(r.Dx(), r.Dy()), 0, 0, gocv.InterpolationLinear)
	src := scratch.Region(clip.Sub(r.Min))
	defer src.Close()
	roi := out.Region(clip)
	defer roi.Close()
	gocv.AddWeighted(roi, 1-alpha, src, alpha, 0, &roi)
}

// meshPolygons converts the mesh to triangles in pixel coordinates. Triangles
// that reference a vertex outside the mesh are skipped.
func meshPolygons(tr face.TriangulationResult) [][]image.Point {
	polys := make([][]image.Point, 0, tr.Triangles())
	for t := 0; t+2 < len(tr.Indices); t += 3 {
		poly := make([]image.Point, 3)
		ok := true
		for k := 0; k < 3; k++ {
			i := tr.Indices[t+k]
			if i < 0 || i >= len(tr.Vertices) {
				ok = false
				break
			}
			v := tr.Vertices[i]
			poly[k] = image.Pt(int(v.X), int(v.Y))
		}
		if ok {
			polys = append(polys, poly)
		}
	}
	return polys
}

func drawTriangles(out *gocv.Mat, tr face.TriangulationResult) {
	for _, p := range meshPolygons(tr) {
		gocv.Line(out, p[0], p[1], colorTris, 1)
		gocv.Line(out, p[1], p[2], colorTris, 1)
		gocv.Line(out, p[2], p[0], colorTris, 1)
	}
}

func drawFace(out *gocv.Mat, fc face.DetectionResult) {
	gocv.Rectangle(out, fc.Bounds, colorFace, 2)
	for _, p := range fc.Landmarks {
		gocv.Circle(out, p, 2, colorMark, -1)
	}
}

// drawLabel writes text on a filled box in the top left corner.
func drawLabel(out *gocv.Mat, text string) {
	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1
	pad := 2

	sz := gocv.GetTextSize(text, font, scale, thickness)
	gocv.Rectangle(out, image.Rect(0, 0, sz.X+pad*2, sz.Y+pad*2), colorBG, -1)
	gocv.PutText(out, text, image.Pt(pad, sz.Y+pad), font, scale, colorLabel, thickness)
}
