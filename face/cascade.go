package face

import (
	"fmt"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// MinFaceSize is the smallest face, in detection pixels, that is reported.
const MinFaceSize = 24

// CascadeDetector is an Engine backed by an OpenCV Haar cascade. It only
// locates face rectangles; landmarks are placed at canonical proportions.
type CascadeDetector struct {
	cascade gocv.CascadeClassifier

	// equalized is scratch space for histogram equalization.
	equalized gocv.Mat

	// Detect runs on one goroutine at a time.
	l sync.Mutex
}

func NewCascadeDetector(path string) (*CascadeDetector, error) {
	c := gocv.NewCascadeClassifier()
	if !c.Load(path) {
		c.Close()
		return nil, fmt.Errorf("failed to load cascade from %q", path)
	}
	log.Infof("Loaded face cascade %v", path)
	return &CascadeDetector{
		cascade:   c,
		equalized: gocv.NewMat(),
	}, nil
}

func (d *CascadeDetector) Detect(img ImageWrapper) (DetectionResults, error) {
	if img.Mat.Empty() || img.Scale <= 0 {
		return nil, ErrEmptyImage
	}
	d.l.Lock()
	defer d.l.Unlock()

	start := time.Now()
	defer func() {
		log.Debugf("Cascade ran in %v", time.Since(start))
	}()

	gocv.EqualizeHist(img.Mat, &d.equalized)
	rects := d.cascade.DetectMultiScale(d.equalized)

	out := make(DetectionResults, 0, len(rects))
	for _, r := range rects {
		if r.Dx() < MinFaceSize || r.Dy() < MinFaceSize {
			continue
		}
		bounds := image.Rect(
			int(float64(r.Min.X)/img.Scale),
			int(float64(r.Min.Y)/img.Scale),
			int(float64(r.Max.X)/img.Scale),
			int(float64(r.Max.Y)/img.Scale),
		)
		out = append(out, DetectionResult{
			Bounds:     bounds,
			Landmarks:  LandmarksFor(bounds),
			Confidence: 1,
		})
	}
	return out, nil
}

func (d *CascadeDetector) Triangulate(faces DetectionResults, morph MorphData) (TriangulationResult, error) {
	return Triangulate(faces, morph), nil
}

func (d *CascadeDetector) Close() {
	d.l.Lock()
	defer d.l.Unlock()
	d.cascade.Close()
	d.equalized.Close()
}
