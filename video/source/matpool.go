package source

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// DefaultPoolLimit bounds the Mats a pool may hand out at once.
const DefaultPoolLimit = 64

var ErrPoolExhausted = errors.New("mat pool exhausted")

// MatPool recycles frame Mats between the capture goroutine and the frame
// consumer. All bookkeeping happens on one goroutine.
type MatPool struct {
	new   chan chan gocv.Mat
	free  chan gocv.Mat
	close chan bool
	done  chan struct{}

	limit     int
	allocated int
	available []gocv.Mat
}

func NewMatPool(limit int) *MatPool {
	if limit <= 0 {
		limit = DefaultPoolLimit
	}
	p := &MatPool{
		new:   make(chan chan gocv.Mat),
		free:  make(chan gocv.Mat),
		close: make(chan bool),
		done:  make(chan struct{}),
		limit: limit,
	}
	go p.loop()
	return p
}

func (p *MatPool) loop() {
	defer close(p.done)
	closed := false
	for {
		select {
		case <-p.close:
			closed = true
			for _, m := range p.available {
				m.Close()
				p.allocated--
			}
			p.available = nil
			if p.allocated == 0 {
				return
			}
		case m := <-p.free:
			if closed {
				m.Close()
				p.allocated--
				if p.allocated == 0 {
					return
				}
				continue
			}
			p.available = append(p.available, m)
		case r := <-p.new:
			if len(p.available) > 0 {
				var m gocv.Mat
				m, p.available = p.available[0], p.available[1:]
				r <- m
				continue
			}
			if closed || p.allocated >= p.limit {
				// An empty Mat tells the caller to skip this frame.
				close(r)
				continue
			}
			p.allocated++
			r <- gocv.NewMat()
		}
	}
}

// NewMat returns a pooled Mat, or ErrPoolExhausted when every Mat is in use.
func (p *MatPool) NewMat() (gocv.Mat, error) {
	r := make(chan gocv.Mat, 1)
	select {
	case p.new <- r:
	case <-p.done:
		return gocv.Mat{}, ErrPoolExhausted
	}
	m, ok := <-r
	if !ok {
		log.Debugf("Mat pool exhausted, %d in use", p.limit)
		return gocv.Mat{}, ErrPoolExhausted
	}
	return m, nil
}

// NewImage wraps a pooled Mat in an Image that returns to this pool.
func (p *MatPool) NewImage() (Image, error) {
	m, err := p.NewMat()
	if err != nil {
		return Image{}, err
	}
	return Image{Mat: m, pool: p}, nil
}

func (p *MatPool) ReleaseMat(m gocv.Mat) {
	select {
	case p.free <- m:
	case <-p.done:
		m.Close()
	}
}

// Close releases idle Mats now and the rest as they are returned.
func (p *MatPool) Close() {
	select {
	case p.close <- true:
	case <-p.done:
	}
}
