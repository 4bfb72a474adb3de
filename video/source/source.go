// Package source produces timestamped frames for the filter.
package source

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// Image is a captured frame. Time is the capture time and serves as the frame
// identity throughout the pipeline.
type Image struct {
	Mat  gocv.Mat
	Time time.Time

	pool *MatPool
}

// Release hands the Mat back to the pool it came from, or closes it.
func (i Image) Release() {
	if i.pool != nil {
		i.pool.ReleaseMat(i.Mat)
		return
	}
	i.Mat.Close()
}

// Clone returns a copy that owns a new Mat.
func (i Image) Clone() Image {
	n := Image{
		Mat:  gocv.NewMat(),
		Time: i.Time,
	}
	i.Mat.CopyTo(&n.Mat)
	return n
}

// Source defines a stream of images, such as a camera.
type Source interface {
	// Get returns the channel frames are delivered on. The receiver owns each
	// Image and must Release it.
	Get() <-chan Image

	// Size returns the size of the capture source, zero until the first frame.
	Size() image.Point

	// Connected returns whether the capture source is considered "live".
	Connected() bool

	// Close disconnects from the capture source and frees up all resources.
	Close()
}
