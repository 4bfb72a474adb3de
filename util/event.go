package util

import (
	"sync"
	"time"
)

// Event is a one-shot notification, used to observe that a goroutine has
// exited.
type Event struct {
	notified bool
	c        *sync.Cond
	ch       chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c:  sync.NewCond(&sync.Mutex{}),
		ch: make(chan struct{}),
	}
}

func (e *Event) Notify() {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	if !e.notified {
		e.notified = true
		close(e.ch)
		e.c.Broadcast()
	}
}

func (e *Event) Wait() {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	for !e.notified {
		e.c.Wait()
	}
}

// WaitTimeout waits at most d and reports whether the event fired.
func (e *Event) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ch:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the event has been notified.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

func (e *Event) HasBeenNotified() bool {
	e.c.L.Lock()
	defer e.c.L.Unlock()
	return e.notified
}
