package ring

import (
	"sync"
	"time"
)

// Slot is a single lockable cell of a ring buffer. A zero timestamp means the
// slot has never been written and its contents must not be trusted.
type Slot[T any] struct {
	value T
	ts    time.Time

	l sync.Mutex
}

// Store overwrites the slot contents.
func (s *Slot[T]) Store(v T, ts time.Time) {
	s.l.Lock()
	defer s.l.Unlock()
	s.value = v
	s.ts = ts
}

// Load returns a copy of the slot contents and the timestamp they were
// written with.
func (s *Slot[T]) Load() (T, time.Time) {
	s.l.Lock()
	defer s.l.Unlock()
	return s.value, s.ts
}

// Write fills the slot in place while holding its lock. Use this when the
// slot owns resources (such as Mats) that are reused across writes.
func (s *Slot[T]) Write(ts time.Time, fill func(v *T)) {
	s.l.Lock()
	defer s.l.Unlock()
	fill(&s.value)
	s.ts = ts
}

// Read gives fn locked access to the slot. fn must not retain v.
func (s *Slot[T]) Read(fn func(v *T, ts time.Time)) {
	s.l.Lock()
	defer s.l.Unlock()
	fn(&s.value, s.ts)
}

// Timestamp returns the timestamp of the last write.
func (s *Slot[T]) Timestamp() time.Time {
	s.l.Lock()
	defer s.l.Unlock()
	return s.ts
}

func (s *Slot[T]) clear() {
	s.l.Lock()
	defer s.l.Unlock()
	s.ts = time.Time{}
}
