// Package face defines the detection engine consumed by the filter and the
// value types that travel through the ring buffers.
package face

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// NumLandmarks is the number of landmarks tracked per face: left eye, right
// eye, nose, left and right mouth corners.
const NumLandmarks = 5

const (
	LeftEye = iota
	RightEye
	Nose
	MouthLeft
	MouthRight
)

var ErrEmptyImage = errors.New("empty detection image")

// ImageWrapper is the CPU readable grayscale view of a captured frame. Scale
// is detection pixels per capture pixel.
type ImageWrapper struct {
	Mat   gocv.Mat
	Scale float64
}

type Vec2 struct {
	X, Y float64
}

// DetectionResult is one located face in capture coordinates.
type DetectionResult struct {
	Bounds     image.Rectangle
	Landmarks  [NumLandmarks]image.Point
	Confidence float64
}

// DetectionResults is the set of faces found in one frame. An empty set is a
// valid result and means no face was found.
type DetectionResults []DetectionResult

// Clone returns a copy that does not share storage with r.
func (r DetectionResults) Clone() DetectionResults {
	if r == nil {
		return nil
	}
	c := make(DetectionResults, len(r))
	copy(c, r)
	return c
}

// MorphData deforms the landmark positions of the mesh. Offsets are expressed
// as fractions of the face width.
type MorphData struct {
	Offsets [NumLandmarks]Vec2
	Valid   bool
}

type Vertex struct {
	X, Y float32
	U, V float32
}

// TriangulationResult is the deformable mesh for every face of one frame.
// Indices holds three entries per triangle.
type TriangulationResult struct {
	Vertices []Vertex
	Indices  []int
}

func (t TriangulationResult) Clone() TriangulationResult {
	return TriangulationResult{
		Vertices: append([]Vertex(nil), t.Vertices...),
		Indices:  append([]int(nil), t.Indices...),
	}
}

// Triangles returns the number of triangles in the mesh.
func (t TriangulationResult) Triangles() int {
	return len(t.Indices) / 3
}

// Engine is the external face detection service. Both calls may block and
// must not modify their inputs.
type Engine interface {
	Detect(img ImageWrapper) (DetectionResults, error)
	Triangulate(faces DetectionResults, morph MorphData) (TriangulationResult, error)
}
