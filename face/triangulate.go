package face

import "image"

// Canonical landmark and outline positions in normalized face space, where
// (0,0) is the top left of the detection rectangle and (1,1) the bottom right.
var (
	landmarkLayout = [NumLandmarks]Vec2{
		LeftEye:    {0.30, 0.38},
		RightEye:   {0.70, 0.38},
		Nose:       {0.50, 0.58},
		MouthLeft:  {0.35, 0.78},
		MouthRight: {0.65, 0.78},
	}

	outlineLayout = [...]Vec2{
		{0, 0}, {1, 0}, {1, 1}, {0, 1}, // corners
		{0.5, 0}, {1, 0.5}, {0.5, 1}, {0, 0.5}, // edge midpoints
	}
)

// Vertex numbering: outline first, then landmarks.
const (
	vTL = iota
	vTR
	vBR
	vBL
	vTop
	vRight
	vBottom
	vLeft
	vLeftEye
	vRightEye
	vNose
	vMouthLeft
	vMouthRight

	vertsPerFace
)

var meshTriangles = [...][3]int{
	{vTL, vTop, vLeftEye},
	{vTop, vRightEye, vLeftEye},
	{vTop, vTR, vRightEye},
	{vTR, vRight, vRightEye},
	{vTL, vLeftEye, vLeft},
	{vLeft, vLeftEye, vNose},
	{vLeftEye, vRightEye, vNose},
	{vRightEye, vRight, vNose},
	{vLeft, vNose, vMouthLeft},
	{vNose, vMouthRight, vMouthLeft},
	{vNose, vRight, vMouthRight},
	{vLeft, vMouthLeft, vBL},
	{vMouthLeft, vBottom, vBL},
	{vMouthLeft, vMouthRight, vBottom},
	{vMouthRight, vBR, vBottom},
	{vMouthRight, vRight, vBR},
}

// TrianglesPerFace is the number of triangles produced for each face.
var TrianglesPerFace = len(meshTriangles)

// VerticesPerFace is the number of vertices produced for each face.
const VerticesPerFace = vertsPerFace

// LandmarksFor places landmarks at their canonical position inside r. Used by
// engines that only locate face rectangles.
func LandmarksFor(r image.Rectangle) [NumLandmarks]image.Point {
	var out [NumLandmarks]image.Point
	w := float64(r.Dx())
	h := float64(r.Dy())
	for i, p := range landmarkLayout {
		out[i].X = r.Min.X + int(p.X*w)
		out[i].Y = r.Min.Y + int(p.Y*h)
	}
	return out
}

// Triangulate builds the mask mesh for faces, displacing landmark vertices by
// morph. Texture coordinates are the undeformed normalized positions, so a
// mask texture drawn in face space follows the deformation.
func Triangulate(faces DetectionResults, morph MorphData) TriangulationResult {
	tr := TriangulationResult{
		Vertices: make([]Vertex, 0, len(faces)*vertsPerFace),
		Indices:  make([]int, 0, len(faces)*len(meshTriangles)*3),
	}
	for _, f := range faces {
		base := len(tr.Vertices)
		x0 := float64(f.Bounds.Min.X)
		y0 := float64(f.Bounds.Min.Y)
		w := float64(f.Bounds.Dx())
		h := float64(f.Bounds.Dy())
		if w <= 0 || h <= 0 {
			continue
		}

		for _, p := range outlineLayout {
			tr.Vertices = append(tr.Vertices, Vertex{
				X: float32(x0 + p.X*w),
				Y: float32(y0 + p.Y*h),
				U: float32(p.X),
				V: float32(p.Y),
			})
		}
		for i, p := range landmarkLayout {
			x := float64(f.Landmarks[i].X)
			y := float64(f.Landmarks[i].Y)
			if morph.Valid {
				x += morph.Offsets[i].X * w
				y += morph.Offsets[i].Y * w
			}
			tr.Vertices = append(tr.Vertices, Vertex{
				X: float32(x),
				Y: float32(y),
				U: float32(p.X),
				V: float32(p.Y),
			})
		}
		for _, t := range meshTriangles {
			tr.Indices = append(tr.Indices, base+t[0], base+t[1], base+t[2])
		}
	}
	return tr
}
