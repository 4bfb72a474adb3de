// Package filter implements the face mask filter instance: it captures frames
// on the render goroutine, hands them to a background detection worker
// through ring buffers, and composites the freshest detection result with the
// active mask without ever waiting on detection or mask loading.
package filter

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/mask"
	"facemask/ring"
	"facemask/video/source"
)

var ErrNoEngine = errors.New("no detection engine")

type Options struct {
	// Registerer receives the instance metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// IdleSleep is the worker back-off when no new frame is available.
	IdleSleep time.Duration

	// Masks configures the mask loader. OnLoad is wrapped, not replaced.
	Masks mask.LoaderOptions

	// WatchMasks reloads the active mask when its file changes.
	WatchMasks bool

	// OnStatus is called from Tick whenever a newer detection result has
	// been consumed. It must not block.
	OnStatus func(Status)
}

// Status is a snapshot of the instance, suitable for JSON.
type Status struct {
	Instance  string    `json:"instance"`
	Active    bool      `json:"active"`
	Visible   bool      `json:"visible"`
	Faces     int       `json:"faces"`
	Timestamp time.Time `json:"timestamp"`
	Mask      string    `json:"mask,omitempty"`
	MaskError string    `json:"mask_error,omitempty"`
	Masks     []string  `json:"masks,omitempty"`
	Demo      bool      `json:"demo"`
	DemoIndex int       `json:"demo_index"`
	Delaying  bool      `json:"delaying"`
	Worker    string    `json:"worker"`
}

type Filter struct {
	id   string
	log  *log.Entry
	opts Options

	metrics *metrics
	loader  *mask.Loader
	watcher *mask.Watcher

	frames  *ring.Buffer[CachedFrame]
	morphs  *ring.Buffer[face.MorphData]
	results *ring.Buffer[CachedResult]
	worker  *detector

	// l guards the fields below; Update may arrive from any goroutine.
	l        sync.Mutex
	settings Settings
	active   bool
	visible  bool
	size     image.Point

	// Owned by the render goroutine.
	faces         face.DetectionResults
	triangulation face.TriangulationResult
	timestamp     time.Time
	lastCapture   time.Time
	small         gocv.Mat
	gray          gocv.Mat
	overlay       gocv.Mat
	texture       gocv.Mat

	closeOnce sync.Once
}

// New creates an instance and starts its detection worker and mask loader.
func New(s Settings, engine face.Engine, opts Options) (*Filter, error) {
	if engine == nil {
		return nil, ErrNoEngine
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}

	id := uuid.NewString()
	f := &Filter{
		id:      id,
		log:     log.WithField("instance", id),
		opts:    opts,
		metrics: newMetrics(opts.Registerer, id),
		frames: ring.New(func(cf *CachedFrame) {
			cf.Capture = gocv.NewMat()
			cf.Detect.Mat = gocv.NewMat()
		}),
		morphs:  ring.New[face.MorphData](nil),
		results: ring.New[CachedResult](nil),
		active:  true,
		visible: true,
		small:   gocv.NewMat(),
		gray:    gocv.NewMat(),
		overlay: gocv.NewMat(),
		texture: gocv.NewMat(),
	}

	lopts := opts.Masks
	onLoad := lopts.OnLoad
	lopts.OnLoad = func(path string, demo bool, err error) {
		f.metrics.observeMaskLoad(demo, err)
		if onLoad != nil {
			onLoad(path, demo, err)
		}
	}
	lopts.DemoInterval, lopts.DemoDelay = s.DemoInterval, s.DemoDelay
	f.loader = mask.NewLoader(lopts)

	if opts.WatchMasks {
		w, err := mask.NewWatcher(f.loader)
		if err != nil {
			f.loader.Close()
			f.release()
			return nil, err
		}
		f.watcher = w
	}

	f.worker = &detector{
		engine:  engine,
		frames:  f.frames,
		morphs:  f.morphs,
		results: f.results,
		idle:    opts.IdleSleep,
		metrics: f.metrics,
		log:     f.log,
	}
	f.worker.start()

	f.Update(s)
	f.log.Infof("Face mask filter created")
	return f, nil
}

func (f *Filter) ID() string {
	return f.id
}

// Update applies new settings. Mask and demo changes are handed to the
// loader goroutine; everything else takes effect on the next frame.
func (f *Filter) Update(s Settings) {
	if err := s.validate(); err != nil {
		f.log.Errorf("Ignoring invalid settings: %v", err)
		return
	}
	f.l.Lock()
	prev := f.settings
	f.settings = s
	f.l.Unlock()

	timing := s.DemoInterval != prev.DemoInterval || s.DemoDelay != prev.DemoDelay
	if timing {
		f.loader.SetDemoTiming(s.DemoInterval, s.DemoDelay)
	}
	if s.MaskFile != prev.MaskFile {
		f.loader.Request(s.MaskFile)
		if f.watcher != nil {
			if err := f.watcher.Track(s.MaskFile); err != nil {
				f.log.Warnf("Unable to watch mask %v: %v", s.MaskFile, err)
			}
		}
	}
	if folder := s.demoFolder(); folder != prev.demoFolder() || (timing && folder != "") {
		f.loader.RequestDemo(folder)
	}
}

func (f *Filter) Settings() Settings {
	f.l.Lock()
	defer f.l.Unlock()
	return f.settings
}

func (f *Filter) Activate() {
	f.l.Lock()
	defer f.l.Unlock()
	f.active = true
}

// Deactivate stops capturing. Frames already queued are dropped so the worker
// does not detect stale video when the filter comes back.
func (f *Filter) Deactivate() {
	f.l.Lock()
	f.active = false
	f.l.Unlock()
	f.frames.Reset()
	f.morphs.Reset()
	// A detection still running on a captured frame publishes afterwards;
	// nothing captured before now may be consumed.
	f.timestamp = f.lastCapture
	f.faces = f.faces[:0]
	f.triangulation.Vertices = f.triangulation.Vertices[:0]
	f.triangulation.Indices = f.triangulation.Indices[:0]
}

func (f *Filter) Show() {
	f.l.Lock()
	defer f.l.Unlock()
	f.visible = true
}

func (f *Filter) Hide() {
	f.l.Lock()
	defer f.l.Unlock()
	f.visible = false
}

// Size is the size of the last captured frame.
func (f *Filter) Size() image.Point {
	f.l.Lock()
	defer f.l.Unlock()
	return f.size
}

func (f *Filter) snapshot() (Settings, bool) {
	f.l.Lock()
	defer f.l.Unlock()
	return f.settings, f.active && f.visible && !f.settings.Disabled
}

// Tick picks up the newest detection result, if any, and advances demo mode.
// It never waits for the worker.
func (f *Filter) Tick(dt time.Duration) {
	if f.updateFaces() && f.opts.OnStatus != nil {
		f.opts.OnStatus(f.Status())
	}
	f.loader.Tick(dt)
}

// updateFaces copies the latest published result if it is newer than the one
// in use. It reports whether a newer result was taken.
func (f *Filter) updateFaces() bool {
	i := f.results.Latest()
	if i < 0 {
		return false
	}
	fresh := false
	f.results.Read(i, func(r *CachedResult, ts time.Time) {
		if ts.IsZero() || !ts.After(f.timestamp) {
			return
		}
		f.faces = append(f.faces[:0], r.Faces...)
		f.triangulation.Vertices = append(f.triangulation.Vertices[:0], r.Triangulation.Vertices...)
		f.triangulation.Indices = append(f.triangulation.Indices[:0], r.Triangulation.Indices...)
		f.timestamp = ts
		fresh = true
	})
	if fresh {
		f.metrics.consumed.Inc()
		f.metrics.faces.Set(float64(len(f.faces)))
	} else {
		f.metrics.reused.Inc()
	}
	return fresh
}

// Faces returns a copy of the detection result in use and its timestamp.
func (f *Filter) Faces() (face.DetectionResults, time.Time) {
	return f.faces.Clone(), f.timestamp
}

// Render writes the composite of in into out. A frame that cannot be used is
// skipped for this cycle and out is left untouched.
func (f *Filter) Render(in source.Image, out *gocv.Mat) {
	if in.Mat.Empty() {
		f.metrics.skipped.Inc()
		f.log.Debugf("Skipping render of empty frame")
		return
	}
	in.Mat.CopyTo(out)

	s, live := f.snapshot()
	if !live {
		return
	}
	if !f.capture(in, s) {
		f.metrics.skipped.Inc()
	}
	f.composite(out, s)
}

// capture publishes the frame and the active mask's morph into the rings
// under a shared timestamp.
func (f *Filter) capture(in source.Image, s Settings) bool {
	cols, rows := in.Mat.Cols(), in.Mat.Rows()
	if cols <= 0 || rows <= 0 {
		return false
	}
	f.l.Lock()
	f.size = image.Pt(cols, rows)
	f.l.Unlock()

	scale := float64(s.DetectWidth) / float64(cols)
	if scale > 1 {
		scale = 1
	}
	dsz := image.Pt(int(float64(cols)*scale), int(float64(rows)*scale))
	if dsz.X <= 0 || dsz.Y <= 0 {
		return false
	}

	gocv.Resize(in.Mat, &f.small, dsz, 0, 0, gocv.InterpolationArea)
	switch f.small.Channels() {
	case 1:
		f.small.CopyTo(&f.gray)
	case 4:
		gocv.CvtColor(f.small, &f.gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(f.small, &f.gray, gocv.ColorBGRToGray)
	}
	if f.gray.Empty() {
		return false
	}

	// Timestamps must strictly increase for the worker to notice new frames.
	ts := in.Time
	if !ts.After(f.lastCapture) {
		ts = f.lastCapture.Add(time.Nanosecond)
	}
	f.lastCapture = ts

	var morph face.MorphData
	f.loader.With(func(v mask.View) {
		if v.Mask != nil {
			morph = v.Mask.MorphData()
		}
	})
	f.morphs.Put(morph, ts)
	f.frames.Publish(ts, func(cf *CachedFrame) {
		in.Mat.CopyTo(&cf.Capture)
		f.gray.CopyTo(&cf.Detect.Mat)
		cf.Detect.Scale = scale
	})
	f.metrics.captured.Inc()
	return true
}

// Status describes the instance. Like Tick and Render it belongs to the render
// goroutine; other goroutines should use Options.OnStatus.
func (f *Filter) Status() Status {
	f.l.Lock()
	st := Status{
		Instance: f.id,
		Active:   f.active,
		Visible:  f.visible,
	}
	f.l.Unlock()

	st.Faces = len(f.faces)
	st.Timestamp = f.timestamp
	st.Worker = f.worker.State().String()
	f.loader.With(func(v mask.View) {
		if v.Mask != nil {
			st.Mask = v.Mask.Name
		}
		if v.Demo != nil {
			st.Demo = true
			st.DemoIndex = v.Demo.Current()
			st.Delaying = v.Demo.Delaying()
		}
	})
	st.Masks = f.loader.Catalog()
	if err := f.loader.Err(); err != nil {
		st.MaskError = err.Error()
	}
	return st
}

// Close stops the detection worker, the mask loader and the mask watcher,
// waits for all of them to exit, and releases every frame buffer.
func (f *Filter) Close() {
	f.closeOnce.Do(func() {
		f.worker.stop()
		if f.watcher != nil {
			f.watcher.Close()
		}
		f.loader.Close()
		f.release()
		f.log.Infof("Face mask filter destroyed")
	})
}

// Exited reports whether every background goroutine has returned.
func (f *Filter) Exited() bool {
	return f.worker.exited.HasBeenNotified() && f.loader.Exited()
}

func (f *Filter) release() {
	f.frames.Each(func(_ int, cf *CachedFrame) {
		cf.Capture.Close()
		cf.Detect.Mat.Close()
	})
	f.small.Close()
	f.gray.Close()
	f.overlay.Close()
	f.texture.Close()
	f.metrics.unregister()
}
