package filter

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/ring"
	"facemask/util"
)

// DefaultIdleSleep is how long the worker sleeps when no new frame arrived.
const DefaultIdleSleep = 5 * time.Millisecond

type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerDraining
	WorkerDetecting
	WorkerPublishing
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerDraining:
		return "draining"
	case WorkerDetecting:
		return "detecting"
	case WorkerPublishing:
		return "publishing"
	case WorkerTerminated:
		return "terminated"
	}
	return "unknown"
}

// CachedFrame is a capture ring slot. Both Mats are allocated once and
// reused for the lifetime of the instance.
type CachedFrame struct {
	Capture gocv.Mat
	Detect  face.ImageWrapper
}

// CachedResult is a result ring slot.
type CachedResult struct {
	Faces         face.DetectionResults
	Triangulation face.TriangulationResult
}

// detector is the background detection loop. It only reads the capture and
// morph rings and is the only writer of the result ring.
type detector struct {
	engine  face.Engine
	frames  *ring.Buffer[CachedFrame]
	morphs  *ring.Buffer[face.MorphData]
	results *ring.Buffer[CachedResult]
	idle    time.Duration
	metrics *metrics
	log     *log.Entry

	// Worker owned copy of the detection image.
	scratch face.ImageWrapper
	// Timestamp of the last frame detected.
	last time.Time

	state atomic.Int32

	l        sync.Mutex
	shutdown bool
	exited   *util.Event
}

func (d *detector) start() {
	d.scratch.Mat = gocv.NewMat()
	d.exited = util.NewEvent()
	go d.run()
}

func (d *detector) run() {
	defer d.exited.Notify()
	defer d.setState(WorkerTerminated)
	d.log.Infof("Detection worker started")
	defer d.log.Infof("Detection worker stopped")

	for !d.stopping() {
		if !d.cycle() {
			time.Sleep(d.idle)
		}
	}
}

func (d *detector) stopping() bool {
	d.l.Lock()
	defer d.l.Unlock()
	return d.shutdown
}

// stop asks the loop to exit and waits until it has.
func (d *detector) stop() {
	d.l.Lock()
	d.shutdown = true
	d.l.Unlock()
	d.exited.Wait()
	d.scratch.Mat.Close()
}

func (d *detector) setState(s WorkerState) {
	d.state.Store(int32(s))
}

func (d *detector) State() WorkerState {
	return WorkerState(d.state.Load())
}

// cycle runs one detection pass. It returns false when there was nothing new
// to detect and the caller should back off.
func (d *detector) cycle() bool {
	d.setState(WorkerDraining)
	idx, ts := d.frames.Newest()
	if idx < 0 || !ts.After(d.last) {
		d.setState(WorkerIdle)
		return false
	}

	copied := false
	d.frames.Read(idx, func(cf *CachedFrame, got time.Time) {
		// The render goroutine may have lapped this slot since Newest.
		if !got.Equal(ts) || cf.Detect.Mat.Empty() {
			return
		}
		cf.Detect.Mat.CopyTo(&d.scratch.Mat)
		d.scratch.Scale = cf.Detect.Scale
		copied = true
	})
	if !copied {
		// Look again right away; a newer frame is already there.
		return true
	}
	morph := d.morphFor(ts)

	d.setState(WorkerDetecting)
	start := time.Now()
	faces, err := d.engine.Detect(d.scratch)
	if err != nil {
		d.log.Debugf("Detection failed, publishing empty result: %v", err)
		faces = nil
	}
	var tri face.TriangulationResult
	if len(faces) > 0 {
		tri, err = d.engine.Triangulate(faces, morph)
		if err != nil {
			d.log.Debugf("Triangulation failed: %v", err)
			tri = face.TriangulationResult{}
		}
	}
	d.metrics.observeDetection(time.Since(start))

	d.setState(WorkerPublishing)
	d.results.Publish(ts, func(r *CachedResult) {
		r.Faces = append(r.Faces[:0], faces...)
		r.Triangulation.Vertices = append(r.Triangulation.Vertices[:0], tri.Vertices...)
		r.Triangulation.Indices = append(r.Triangulation.Indices[:0], tri.Indices...)
	})
	d.last = ts
	d.setState(WorkerIdle)
	return true
}

// morphFor returns the morph published with the frame at ts, falling back to
// the newest morph that is not newer than the frame.
func (d *detector) morphFor(ts time.Time) face.MorphData {
	var best face.MorphData
	var bestTs time.Time
	for i := 0; i < ring.Capacity; i++ {
		m, mts := d.morphs.Get(i)
		if mts.IsZero() {
			continue
		}
		if mts.Equal(ts) {
			return m
		}
		if mts.Before(ts) && mts.After(bestTs) {
			best, bestTs = m, mts
		}
	}
	return best
}
