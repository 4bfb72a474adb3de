package source

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	reconnectDelay = 2 * time.Second
	// maxReadFailures consecutive failed reads mark the source offline.
	maxReadFailures = 50
)

var errReadFailures = errors.New("too many consecutive read failures")

// VideoCapture reads frames from a camera index, file or stream URI.
type VideoCapture struct {
	URI string
	// FPS throttles delivery when positive. Files play back at this rate.
	FPS float64

	pool   *MatPool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	l         sync.Mutex
	size      image.Point
	connected bool
}

func NewVideoCapture(uri string, fps float64) *VideoCapture {
	ctx, cancel := context.WithCancel(context.Background())
	return &VideoCapture{
		URI:    uri,
		FPS:    fps,
		pool:   NewMatPool(DefaultPoolLimit),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (v *VideoCapture) Get() <-chan Image {
	c := make(chan Image)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(c)
		for v.ctx.Err() == nil {
			if err := v.stream(c); err != nil {
				log.Errorf("Video capture %v: %v", v.URI, err)
			}
			v.setConnected(false)
			select {
			case <-v.ctx.Done():
			case <-time.After(reconnectDelay):
				log.Infof("Reconnecting to %v", v.URI)
			}
		}
	}()
	return c
}

// stream delivers frames until the source fails or the capture is closed.
func (v *VideoCapture) stream(c chan<- Image) error {
	vc, err := gocv.OpenVideoCapture(v.URI)
	if err != nil {
		return err
	}
	defer vc.Close()
	log.Infof("Opened video capture %v", v.URI)

	var tick <-chan time.Time
	if v.FPS > 0 {
		t := time.NewTicker(time.Duration(float64(time.Second) / v.FPS))
		defer t.Stop()
		tick = t.C
	}

	failures := 0
	for v.ctx.Err() == nil {
		if tick != nil {
			select {
			case <-tick:
			case <-v.ctx.Done():
				return nil
			}
		}

		img, err := v.pool.NewImage()
		if err != nil {
			// Consumer is behind; drop this frame.
			vc.Grab(1)
			continue
		}
		img.Time = time.Now()
		if ok := vc.Read(&img.Mat); !ok || img.Mat.Empty() {
			img.Release()
			failures++
			if failures >= maxReadFailures {
				return errReadFailures
			}
			time.Sleep(time.Millisecond)
			continue
		}
		failures = 0
		v.setSize(image.Pt(img.Mat.Cols(), img.Mat.Rows()))

		select {
		case c <- img:
		case <-v.ctx.Done():
			img.Release()
			return nil
		}
	}
	return nil
}

func (v *VideoCapture) setSize(sz image.Point) {
	v.l.Lock()
	defer v.l.Unlock()
	v.size = sz
	v.connected = true
}

func (v *VideoCapture) setConnected(c bool) {
	v.l.Lock()
	defer v.l.Unlock()
	v.connected = c
}

func (v *VideoCapture) Size() image.Point {
	v.l.Lock()
	defer v.l.Unlock()
	return v.size
}

func (v *VideoCapture) Connected() bool {
	v.l.Lock()
	defer v.l.Unlock()
	return v.connected
}

// Close stops capture and waits for the reader goroutine. Images still held by
// the consumer return to the pool and are freed on release.
func (v *VideoCapture) Close() {
	v.cancel()
	v.wg.Wait()
	v.pool.Close()
}
