package filter

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/mask"
)

// writeHalfTexture writes a mask whose texture is red on the left half and
// blue on the right half.
func writeHalfTexture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	tex := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 100, 100, gocv.MatTypeCV8UC3)
	defer tex.Close()
	right := tex.Region(image.Rect(50, 0, 100, 100))
	right.SetTo(gocv.NewScalar(255, 0, 0, 0))
	right.Close()
	if !gocv.IMWrite(filepath.Join(dir, "half.png"), tex) {
		t.Fatalf("writing texture")
	}
	p := filepath.Join(dir, "half.yaml")
	if err := os.WriteFile(p, []byte("name: half\ntexture: half.png\n"), 0644); err != nil {
		t.Fatalf("writing mask: %v", err)
	}
	return p
}

func TestTextureCroppedAtFrameEdge(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{Masks: mask.LoaderOptions{Load: mask.Load}})
	if err := <-f.loader.Request(writeHalfTexture(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	// The left half of the face is outside the frame.
	b := image.Rect(-50, 100, 50, 200)
	f.faces = face.DetectionResults{{Bounds: b, Landmarks: face.LandmarksFor(b)}}

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)

	if px := out.GetVecbAt(150, 10); px[0] != 255 || px[2] != 0 {
		t.Errorf("visible part of the mask = %v, want the blue right half of the texture", px)
	}
	if px := out.GetVecbAt(150, 60); px[0] != 0 || px[2] != 0 {
		t.Errorf("pixel right of the mask = %v, want untouched", px)
	}
	// Texture scaling must not disturb the detection downscale scratch.
	if f.small.Cols() != 640 {
		t.Errorf("detection scratch is %d wide after compositing, want 640", f.small.Cols())
	}
}

func TestTextureEntirelyOffFrame(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{Masks: mask.LoaderOptions{Load: mask.Load}})
	if err := <-f.loader.Request(writeHalfTexture(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	b := image.Rect(-300, -300, -200, -200)
	f.faces = face.DetectionResults{{Bounds: b, Landmarks: face.LandmarksFor(b)}}

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	if px := out.GetVecbAt(0, 0); px[0] != 0 || px[2] != 0 {
		t.Errorf("corner pixel = %v, want untouched", px)
	}
}

func TestMeshPolygonsSkipsBadIndices(t *testing.T) {
	tr := face.TriangulationResult{
		Vertices: []face.Vertex{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}},
		Indices:  []int{0, 1, 2, 0, 1, 7, -1, 0, 1, 2, 1},
	}
	polys := meshPolygons(tr)
	if len(polys) != 1 {
		t.Fatalf("got %d polygons, want only the valid triangle", len(polys))
	}
	if polys[0][1] != image.Pt(10, 0) {
		t.Errorf("polygon = %v", polys[0])
	}
}

func TestRenderSurvivesBadMesh(t *testing.T) {
	s := Defaults()
	s.DrawMorphTris = true
	f := newTestFilter(t, s, &fakeEngine{}, Options{})
	if err := <-f.loader.Request("red"); err != nil {
		t.Fatalf("load: %v", err)
	}
	b := image.Rect(100, 100, 200, 200)
	f.faces = face.DetectionResults{{Bounds: b, Landmarks: face.LandmarksFor(b)}}
	f.triangulation = face.TriangulationResult{
		Vertices: []face.Vertex{{X: 100, Y: 100}},
		Indices:  []int{0, 5, 9},
	}

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	if out.Empty() {
		t.Errorf("nothing rendered")
	}
}

func TestPreviewModeDrawsWithoutFaces(t *testing.T) {
	s := Defaults()
	s.PreviewMode = true
	f := newTestFilter(t, s, &fakeEngine{}, Options{})
	if err := <-f.loader.Request("red"); err != nil {
		t.Fatalf("load: %v", err)
	}

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	if px := out.GetVecbAt(180, 320); px[2] != 255 || px[0] != 0 {
		t.Errorf("frame center = %v, want the red mask", px)
	}
	if px := out.GetVecbAt(5, 5); px[2] != 0 {
		t.Errorf("frame corner = %v, want untouched", px)
	}
	if len(f.faces) != 0 {
		t.Errorf("preview face leaked into the detection result")
	}
}

func TestGreenScreenReplacesVideo(t *testing.T) {
	s := Defaults()
	s.GreenScreen = true
	f := newTestFilter(t, s, &fakeEngine{}, Options{})

	in := frame(t, 1)
	in.Mat.SetTo(gocv.NewScalar(40, 40, 40, 0))
	out := gocv.NewMat()
	defer out.Close()
	f.Render(in, &out)
	if px := out.GetVecbAt(10, 10); px[0] != 0 || px[1] != 255 || px[2] != 0 {
		t.Errorf("background = %v, want pure green", px)
	}
}

func TestStatusListsMaskCatalog(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{Masks: mask.LoaderOptions{Load: mask.Load}})
	p := writeHalfTexture(t)
	if err := <-f.loader.Request(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := f.Status()
	if len(st.Masks) != 1 || st.Masks[0] != p {
		t.Errorf("status masks = %v, want [%v]", st.Masks, p)
	}
}
