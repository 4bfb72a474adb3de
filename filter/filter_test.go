package filter

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gocv.io/x/gocv"

	"facemask/face"
	"facemask/mask"
	"facemask/video/source"
)

var epoch = time.Unix(1600000000, 0)

// fakeEngine finds one face in every non-empty image.
type fakeEngine struct {
	mu      sync.Mutex
	err     error
	detects int
	scales  []float64
	morphs  []face.MorphData
}

func (e *fakeEngine) Detect(img face.ImageWrapper) (face.DetectionResults, error) {
	e.mu.Lock()
	e.detects++
	e.scales = append(e.scales, img.Scale)
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if img.Mat.Empty() {
		return nil, face.ErrEmptyImage
	}
	b := image.Rect(100, 100, 200, 200)
	return face.DetectionResults{{Bounds: b, Landmarks: face.LandmarksFor(b), Confidence: 1}}, nil
}

func (e *fakeEngine) Triangulate(faces face.DetectionResults, morph face.MorphData) (face.TriangulationResult, error) {
	e.mu.Lock()
	e.morphs = append(e.morphs, morph)
	e.mu.Unlock()
	return face.Triangulate(faces, morph), nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detects
}

func fakeLoad(path string) (*mask.Data, error) {
	if path == "bad" {
		return nil, errors.New("bad mask")
	}
	return mask.New(mask.Definition{
		Name:    path,
		Color:   [3]uint8{255, 0, 0},
		Opacity: 1,
		Scale:   1,
		Morph:   map[string]mask.Offset{"nose": {X: 0.1, Y: 0}},
	})
}

func newTestFilter(t *testing.T, s Settings, e face.Engine, opts Options) *Filter {
	t.Helper()
	opts.IdleSleep = time.Millisecond
	if opts.Masks.Load == nil {
		opts.Masks.Load = fakeLoad
	}
	f, err := New(s, e, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

func frame(t *testing.T, n int) source.Image {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 360, 640, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return source.Image{Mat: m, Time: epoch.Add(time.Duration(n) * time.Millisecond)}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewWithoutEngine(t *testing.T) {
	if _, err := New(Defaults(), nil, Options{}); !errors.Is(err, ErrNoEngine) {
		t.Errorf("New(nil engine) = %v, want ErrNoEngine", err)
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := Defaults()
	s.DetectWidth = 0
	if _, err := New(s, &fakeEngine{}, Options{}); err == nil {
		t.Errorf("New accepted a zero detect width")
	}
}

func TestDescriptorCreate(t *testing.T) {
	if FaceMask.ID == "" || FaceMask.Name == "" {
		t.Fatalf("descriptor is missing its identity: %+v", FaceMask)
	}
	inst, err := FaceMask.Create(FaceMask.Defaults(), &fakeEngine{}, Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID() == "" {
		t.Errorf("instance has no ID")
	}
	inst.Close()
}

func TestDetectionReachesTick(t *testing.T) {
	e := &fakeEngine{}
	f := newTestFilter(t, Defaults(), e, Options{})
	s := f.Settings()
	s.DetectWidth = 320
	f.Update(s)

	out := gocv.NewMat()
	defer out.Close()
	in := frame(t, 1)
	f.Render(in, &out)

	eventually(t, "a detection result", func() bool {
		f.Tick(time.Millisecond)
		faces, _ := f.Faces()
		return len(faces) == 1
	})
	if _, ts := f.Faces(); !ts.Equal(in.Time) {
		t.Errorf("result timestamp = %v, want %v", ts, in.Time)
	}
	if sz := f.Size(); sz != image.Pt(640, 360) {
		t.Errorf("Size() = %v, want 640x360", sz)
	}
	e.mu.Lock()
	scale := e.scales[0]
	e.mu.Unlock()
	if scale != 0.5 {
		t.Errorf("detect scale = %v, want 0.5", scale)
	}
	if tri := f.triangulation.Triangles(); tri != face.TrianglesPerFace {
		t.Errorf("triangulation has %d triangles, want %d", tri, face.TrianglesPerFace)
	}
}

func TestConsumedTimestampsNeverGoBack(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{})
	out := gocv.NewMat()
	defer out.Close()

	var last time.Time
	consumed := 0
	for n := 1; n <= 300; n++ {
		f.Render(frame(t, n), &out)
		f.Tick(time.Millisecond)
		_, ts := f.Faces()
		if ts.Before(last) {
			t.Fatalf("frame %d: result timestamp went back from %v to %v", n, last, ts)
		}
		if ts.After(last) {
			consumed++
		}
		last = ts
		if n%10 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	if consumed == 0 {
		t.Errorf("no detection result was ever consumed")
	}
}

func TestTickReusesResultWithoutNewDetection(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{})
	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	eventually(t, "a detection result", func() bool {
		f.Tick(time.Millisecond)
		_, ts := f.Faces()
		return !ts.IsZero()
	})
	_, ts := f.Faces()
	reused := testutil.ToFloat64(f.metrics.reused)

	for i := 0; i < 5; i++ {
		f.Tick(time.Millisecond)
	}
	if _, got := f.Faces(); !got.Equal(ts) {
		t.Errorf("timestamp changed to %v with no new frame", got)
	}
	if got := testutil.ToFloat64(f.metrics.reused); got != reused+5 {
		t.Errorf("reused = %v, want %v", got, reused+5)
	}
}

func TestEngineErrorPublishesEmptyResult(t *testing.T) {
	e := &fakeEngine{err: errors.New("engine down")}
	f := newTestFilter(t, Defaults(), e, Options{})
	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)

	eventually(t, "an empty result", func() bool {
		f.Tick(time.Millisecond)
		_, ts := f.Faces()
		return !ts.IsZero()
	})
	if faces, _ := f.Faces(); len(faces) != 0 {
		t.Errorf("got %d faces from a failing engine", len(faces))
	}
}

func TestRenderSkipsEmptyFrame(t *testing.T) {
	e := &fakeEngine{}
	f := newTestFilter(t, Defaults(), e, Options{})
	in := source.Image{Mat: gocv.NewMat(), Time: epoch}
	defer in.Mat.Close()
	out := gocv.NewMat()
	defer out.Close()

	f.Render(in, &out)
	if !out.Empty() {
		t.Errorf("out was written for an empty frame")
	}
	if got := testutil.ToFloat64(f.metrics.skipped); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if f.frames.Latest() != -1 {
		t.Errorf("an empty frame reached the capture ring")
	}
}

func TestHiddenFilterPassesThrough(t *testing.T) {
	e := &fakeEngine{}
	f := newTestFilter(t, Defaults(), e, Options{})
	f.Hide()

	in := frame(t, 1)
	out := gocv.NewMat()
	defer out.Close()
	f.Render(in, &out)

	if out.Cols() != in.Mat.Cols() || out.Rows() != in.Mat.Rows() {
		t.Errorf("out is %dx%d, want a copy of the input", out.Cols(), out.Rows())
	}
	if f.frames.Latest() != -1 {
		t.Errorf("hidden filter captured a frame")
	}

	f.Show()
	f.Render(frame(t, 2), &out)
	if f.frames.Latest() == -1 {
		t.Errorf("visible filter did not capture")
	}
}

func TestDeactivateDropsQueuedFrames(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{})
	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	f.Deactivate()

	if idx, _ := f.frames.Newest(); idx != -1 {
		t.Errorf("capture ring still holds frame %d after Deactivate", idx)
	}
	if faces, _ := f.Faces(); len(faces) != 0 {
		t.Errorf("faces survived Deactivate")
	}
	f.Render(frame(t, 2), &out)
	if f.frames.Latest() != -1 {
		t.Errorf("inactive filter captured a frame")
	}
	f.Activate()
	f.Render(frame(t, 3), &out)
	if f.frames.Latest() == -1 {
		t.Errorf("reactivated filter did not capture")
	}
}

// gatedEngine blocks inside Detect until released.
type gatedEngine struct {
	fakeEngine
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEngine) Detect(img face.ImageWrapper) (face.DetectionResults, error) {
	select {
	case e.entered <- struct{}{}:
	default:
	}
	<-e.release
	return e.fakeEngine.Detect(img)
}

func TestDeactivateIgnoresDetectionInFlight(t *testing.T) {
	e := &gatedEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newTestFilter(t, Defaults(), e, Options{})
	out := gocv.NewMat()
	defer out.Close()

	f.Render(frame(t, 1), &out)
	select {
	case <-e.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started detecting")
	}
	f.Deactivate()
	close(e.release)

	eventually(t, "the in-flight result", func() bool {
		return f.results.Latest() >= 0
	})
	f.Tick(time.Millisecond)
	if faces, _ := f.Faces(); len(faces) != 0 {
		t.Errorf("result of a frame captured before Deactivate was consumed")
	}

	// Frames captured after reactivation are picked up again.
	f.Activate()
	f.Render(frame(t, 2), &out)
	eventually(t, "a fresh result", func() bool {
		f.Tick(time.Millisecond)
		faces, _ := f.Faces()
		return len(faces) == 1
	})
}

func TestCaptureTimestampsStrictlyIncrease(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{})
	out := gocv.NewMat()
	defer out.Close()
	in := frame(t, 1)
	f.Render(in, &out)
	f.Render(in, &out)

	_, first := f.frames.Get(0)
	_, second := f.frames.Get(1)
	if !second.After(first) {
		t.Errorf("repeated frame time was not bumped: %v then %v", first, second)
	}
}

func TestUpdateLoadsMask(t *testing.T) {
	loaded := make(chan error, 4)
	reg := prometheus.NewRegistry()
	opts := Options{
		Registerer: reg,
		Masks: mask.LoaderOptions{
			OnLoad: func(path string, demo bool, err error) { loaded <- err },
		},
	}
	f := newTestFilter(t, Defaults(), &fakeEngine{}, opts)

	s := f.Settings()
	s.MaskFile = "bunny"
	f.Update(s)
	if err := waitLoad(t, loaded); err != nil {
		t.Fatalf("load: %v", err)
	}
	if st := f.Status(); st.Mask != "bunny" || st.MaskError != "" {
		t.Errorf("status after load = %+v", st)
	}

	s.MaskFile = "bad"
	f.Update(s)
	if err := waitLoad(t, loaded); err == nil {
		t.Fatalf("bad mask loaded")
	}
	st := f.Status()
	if st.Mask != "bunny" {
		t.Errorf("mask after failed load = %q, want the previous mask", st.Mask)
	}
	if st.MaskError == "" {
		t.Errorf("status does not report the failed load")
	}
	if got := testutil.ToFloat64(f.metrics.maskLoads.WithLabelValues("mask", "error")); got != 1 {
		t.Errorf("mask load errors = %v, want 1", got)
	}
}

func waitLoad(t *testing.T, c <-chan error) error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mask load")
		return nil
	}
}

func TestMorphTravelsWithFrame(t *testing.T) {
	e := &fakeEngine{}
	f := newTestFilter(t, Defaults(), e, Options{})
	if err := <-f.loader.Request("morphing"); err != nil {
		t.Fatalf("load: %v", err)
	}

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	eventually(t, "a triangulation", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.morphs) > 0
	})
	e.mu.Lock()
	m := e.morphs[0]
	e.mu.Unlock()
	if !m.Valid || m.Offsets[face.Nose].X != 0.1 {
		t.Errorf("engine got morph %+v, want the mask's nose offset", m)
	}
}

func TestCompositeDrawsMaskColor(t *testing.T) {
	f := newTestFilter(t, Defaults(), &fakeEngine{}, Options{})
	if err := <-f.loader.Request("red"); err != nil {
		t.Fatalf("load: %v", err)
	}
	b := image.Rect(100, 100, 200, 200)
	f.faces = face.DetectionResults{{Bounds: b, Landmarks: face.LandmarksFor(b)}}
	f.triangulation = face.Triangulate(f.faces, face.MorphData{})

	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)

	px := out.GetVecbAt(150, 150)
	if px[2] != 255 || px[0] != 0 {
		t.Errorf("pixel at face center = %v, want red", px)
	}
	if px := out.GetVecbAt(10, 10); px[2] != 0 {
		t.Errorf("pixel outside the face = %v, want untouched", px)
	}
}

func TestCloseJoinsBackgroundWork(t *testing.T) {
	e := &fakeEngine{}
	f, err := New(Defaults(), e, Options{IdleSleep: time.Millisecond, Masks: mask.LoaderOptions{Load: fakeLoad}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := gocv.NewMat()
	defer out.Close()
	for n := 1; n <= 20; n++ {
		f.Render(frame(t, n), &out)
	}
	f.Close()
	if !f.Exited() {
		t.Fatalf("background goroutines still running after Close")
	}
	if got := f.worker.State(); got != WorkerTerminated {
		t.Errorf("worker state = %v, want terminated", got)
	}
	n := e.count()
	time.Sleep(10 * time.Millisecond)
	if e.count() != n {
		t.Errorf("engine called after Close")
	}
	f.Close()
}

func TestStatusCallback(t *testing.T) {
	got := make(chan Status, 16)
	opts := Options{OnStatus: func(s Status) {
		select {
		case got <- s:
		default:
		}
	}}
	f := newTestFilter(t, Defaults(), &fakeEngine{}, opts)
	out := gocv.NewMat()
	defer out.Close()
	f.Render(frame(t, 1), &out)
	eventually(t, "a status callback", func() bool {
		f.Tick(time.Millisecond)
		return len(got) > 0
	})
	st := <-got
	if st.Instance != f.ID() || st.Faces != 1 {
		t.Errorf("status = %+v", st)
	}
}
