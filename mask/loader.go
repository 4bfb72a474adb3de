package mask

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"facemask/util"
)

var (
	// ErrSuperseded completes a request that was replaced by a newer one
	// before the loader got to it.
	ErrSuperseded = errors.New("mask request superseded")
	ErrClosed     = errors.New("mask loader closed")
)

type LoaderOptions struct {
	// Load and LoadFolder default to the package functions.
	Load       func(path string) (*Data, error)
	LoadFolder func(dir string) ([]*Data, error)

	DemoInterval time.Duration
	DemoDelay    time.Duration

	// OnLoad is called from the loader goroutine after every attempt.
	OnLoad func(path string, demo bool, err error)
}

// View is what the render goroutine sees of the loader state. Its fields are
// only valid inside Loader.With.
type View struct {
	// Mask is the mask to draw: the demo mask on display while demo mode is
	// on, the requested mask otherwise. It may be nil.
	Mask *Data
	Demo *Demo
}

type request struct {
	path string
	demo bool
	done chan error
}

// Loader owns the active mask and loads replacements on a dedicated
// goroutine. The render path reads the active mask under the loader lock, so
// it never sees a partially loaded mask; file I/O happens outside the lock.
type Loader struct {
	opts LoaderOptions

	l        sync.Mutex
	cond     *sync.Cond
	pending  []*request
	shutdown bool

	current    *Data
	demo       *Demo
	demoFolder string
	err        error

	// catalog lists the definitions next to the mask in use.
	catalog []string

	demoInterval time.Duration
	demoDelay    time.Duration

	exited *util.Event
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Load == nil {
		opts.Load = Load
	}
	if opts.LoadFolder == nil {
		opts.LoadFolder = LoadFolder
	}
	ld := &Loader{
		opts:         opts,
		demoInterval: opts.DemoInterval,
		demoDelay:    opts.DemoDelay,
		exited:       util.NewEvent(),
	}
	ld.cond = sync.NewCond(&ld.l)
	go ld.loop()
	return ld
}

// Request asks for the mask at path to become the active mask. An empty path
// unloads the active mask. The returned channel receives the outcome; a later
// Request for the same kind supersedes one still waiting.
func (ld *Loader) Request(path string) <-chan error {
	return ld.enqueue(&request{path: path})
}

// RequestDemo eagerly loads every mask in folder and starts cycling them. An
// empty folder ends demo mode and releases the demo masks.
func (ld *Loader) RequestDemo(folder string) <-chan error {
	return ld.enqueue(&request{path: folder, demo: true})
}

func (ld *Loader) enqueue(r *request) <-chan error {
	r.done = make(chan error, 1)

	ld.l.Lock()
	defer ld.l.Unlock()
	if ld.shutdown {
		r.done <- ErrClosed
		return r.done
	}
	// Keep at most one pending request of each kind.
	kept := ld.pending[:0]
	for _, p := range ld.pending {
		if p.demo == r.demo {
			p.done <- ErrSuperseded
			continue
		}
		kept = append(kept, p)
	}
	ld.pending = append(kept, r)
	ld.cond.Signal()
	return r.done
}

func (ld *Loader) loop() {
	defer ld.exited.Notify()
	for {
		ld.l.Lock()
		for len(ld.pending) == 0 && !ld.shutdown {
			ld.cond.Wait()
		}
		if ld.shutdown {
			for _, p := range ld.pending {
				p.done <- ErrClosed
			}
			ld.pending = nil
			ld.l.Unlock()
			return
		}
		r := ld.pending[0]
		ld.pending = ld.pending[1:]
		ld.l.Unlock()

		var err error
		if r.demo {
			err = ld.loadDemo(r.path)
		} else {
			err = ld.loadMask(r.path)
		}
		ld.refreshCatalog()
		if ld.opts.OnLoad != nil {
			ld.opts.OnLoad(r.path, r.demo, err)
		}
		r.done <- err
	}
}

func (ld *Loader) loadMask(path string) error {
	var next *Data
	if path != "" {
		var err error
		next, err = ld.opts.Load(path)
		if err == nil && next == nil {
			err = ErrNoMasks
		}
		if err != nil {
			log.Errorf("Failed to load mask %v, keeping previous mask: %v", path, err)
			ld.l.Lock()
			ld.err = err
			ld.l.Unlock()
			return err
		}
	}

	ld.l.Lock()
	prev := ld.current
	ld.current = next
	ld.err = nil
	ld.l.Unlock()

	// No render can hold prev any more: it was swapped out under the lock.
	prev.Close()
	if next != nil {
		log.Infof("Mask %q loaded from %v", next.Name, path)
	} else {
		log.Infof("Mask unloaded")
	}
	return nil
}

func (ld *Loader) loadDemo(folder string) error {
	var next *Demo
	if folder != "" {
		masks, err := ld.opts.LoadFolder(folder)
		if err != nil {
			log.Errorf("Failed to load demo masks from %v: %v", folder, err)
			ld.l.Lock()
			ld.err = err
			ld.l.Unlock()
			return err
		}
		ld.l.Lock()
		interval, delay := ld.demoInterval, ld.demoDelay
		ld.l.Unlock()
		next = NewDemo(masks, interval, delay)
	}

	ld.l.Lock()
	prev := ld.demo
	ld.demo = next
	ld.demoFolder = folder
	ld.err = nil
	ld.l.Unlock()

	if prev != nil {
		prev.Close()
	}
	if next != nil {
		log.Infof("Demo mode loaded %d masks from %v", next.Len(), folder)
	} else {
		log.Infof("Demo mode masks released")
	}
	return nil
}

// refreshCatalog lists the demo folder while demo mode is on, otherwise the
// folder of the active mask. Listing happens outside the lock.
func (ld *Loader) refreshCatalog() {
	ld.l.Lock()
	dir := ""
	switch {
	case ld.demo != nil:
		dir = ld.demoFolder
	case ld.current != nil && ld.current.Path != "":
		dir = filepath.Dir(ld.current.Path)
	}
	ld.l.Unlock()

	var paths []string
	if dir != "" {
		var err error
		if paths, err = List(dir); err != nil {
			log.Warnf("Unable to list masks in %v: %v", dir, err)
		}
	}

	ld.l.Lock()
	ld.catalog = paths
	ld.l.Unlock()
}

// Catalog returns the mask definitions available next to the mask in use,
// or in the demo folder while demo mode is on.
func (ld *Loader) Catalog() []string {
	ld.l.Lock()
	defer ld.l.Unlock()
	return append([]string(nil), ld.catalog...)
}

// With calls fn with the loader lock held. The render goroutine wraps its
// whole mask drawing in With so the mask cannot be swapped mid-render. fn
// must be short and must not call back into the loader.
func (ld *Loader) With(fn func(v View)) {
	ld.l.Lock()
	defer ld.l.Unlock()
	v := View{Mask: ld.current, Demo: ld.demo}
	if ld.demo != nil {
		v.Mask = ld.demo.Mask()
	}
	fn(v)
}

// SetDemoTiming changes the interval and delay used by the next demo load.
func (ld *Loader) SetDemoTiming(interval, delay time.Duration) {
	ld.l.Lock()
	defer ld.l.Unlock()
	ld.demoInterval, ld.demoDelay = interval, delay
}

// Tick advances the demo sequencer, if demo mode is on.
func (ld *Loader) Tick(dt time.Duration) {
	ld.l.Lock()
	defer ld.l.Unlock()
	if ld.demo != nil {
		ld.demo.Tick(dt)
	}
}

// Path returns the path of the active (non demo) mask.
func (ld *Loader) Path() string {
	ld.l.Lock()
	defer ld.l.Unlock()
	if ld.current == nil {
		return ""
	}
	return ld.current.Path
}

// Err returns the error of the most recent failed load, cleared by the next
// successful one.
func (ld *Loader) Err() error {
	ld.l.Lock()
	defer ld.l.Unlock()
	return ld.err
}

// Close stops the loader goroutine, waits for it to exit and releases every
// mask it owns. An in-flight load finishes first.
func (ld *Loader) Close() {
	ld.l.Lock()
	ld.shutdown = true
	ld.cond.Broadcast()
	ld.l.Unlock()

	ld.exited.Wait()

	ld.l.Lock()
	defer ld.l.Unlock()
	ld.current.Close()
	ld.current = nil
	if ld.demo != nil {
		ld.demo.Close()
		ld.demo = nil
	}
}

// Exited reports whether the loader goroutine has returned.
func (ld *Loader) Exited() bool {
	return ld.exited.HasBeenNotified()
}
