package mask

import (
	"time"
)

const (
	DefaultDemoInterval = 5 * time.Second
	DefaultDemoDelay    = time.Second
)

// Demo cycles through a set of preloaded masks. Each mask is displayed for
// interval, then fades out over delay before the next one is shown.
type Demo struct {
	masks    []*Data
	interval time.Duration
	delay    time.Duration

	current int
	elapsed time.Duration
	inDelay bool
}

// NewDemo takes ownership of masks.
func NewDemo(masks []*Data, interval, delay time.Duration) *Demo {
	if interval <= 0 {
		interval = DefaultDemoInterval
	}
	if delay < 0 {
		delay = 0
	}
	return &Demo{
		masks:    masks,
		interval: interval,
		delay:    delay,
	}
}

// Tick advances the sequencer by dt. Time left over after a transition
// carries into the next state, so one large tick behaves like many small ones.
func (d *Demo) Tick(dt time.Duration) {
	if len(d.masks) == 0 || dt <= 0 {
		return
	}
	d.elapsed += dt
	for {
		if !d.inDelay {
			if d.elapsed < d.interval {
				return
			}
			d.elapsed -= d.interval
			d.inDelay = true
			continue
		}
		if d.elapsed < d.delay {
			return
		}
		d.elapsed -= d.delay
		d.inDelay = false
		d.current = (d.current + 1) % len(d.masks)
	}
}

// Current is the index of the mask on display.
func (d *Demo) Current() int {
	return d.current
}

func (d *Demo) Len() int {
	return len(d.masks)
}

// Mask returns the mask on display, or nil for an empty demo.
func (d *Demo) Mask() *Data {
	if len(d.masks) == 0 {
		return nil
	}
	return d.masks[d.current]
}

func (d *Demo) Delaying() bool {
	return d.inDelay
}

// Fade is the opacity multiplier for the mask on display: 1 while displaying,
// falling linearly to 0 across the delay.
func (d *Demo) Fade() float64 {
	if !d.inDelay || d.delay <= 0 {
		return 1
	}
	f := 1 - float64(d.elapsed)/float64(d.delay)
	if f < 0 {
		return 0
	}
	return f
}

// Close releases every mask owned by the demo.
func (d *Demo) Close() {
	for _, m := range d.masks {
		m.Close()
	}
	d.masks = nil
}
