// Package ring provides the fixed-capacity circular buffers that carry frames,
// morph parameters and detection results between the render goroutine and
// the detection worker.
//
// Every slot has its own lock; there is no lock around the buffer as a whole.
// A single producer advances the write position. Readers pick a slot by index
// (or by newest timestamp) and never move the write position. When the writer
// laps a slot nobody has read, the old contents are simply lost.
package ring

import (
	"sync/atomic"
	"time"
)

// Capacity is the number of slots in every ring buffer.
const Capacity = 8

type Buffer[T any] struct {
	slots [Capacity]Slot[T]

	// next is the slot the producer will write on its next Publish.
	next atomic.Int32
	// latest is the most recently published slot, -1 before the first write.
	latest atomic.Int32
}

// New allocates a buffer. If init is non-nil it is called once per slot so
// that slot-owned resources are allocated up front and reused thereafter.
func New[T any](init func(v *T)) *Buffer[T] {
	b := &Buffer[T]{}
	b.latest.Store(-1)
	if init != nil {
		for i := range b.slots {
			init(&b.slots[i].value)
		}
	}
	return b
}

// Publish writes into the next slot under that slot's lock and advances the
// write position. It returns the index written. Only one goroutine may
// publish into a given buffer.
func (b *Buffer[T]) Publish(ts time.Time, fill func(v *T)) int {
	i := int(b.next.Load())
	b.slots[i].Write(ts, fill)
	b.latest.Store(int32(i))
	b.next.Store(int32((i + 1) % Capacity))
	return i
}

// Put publishes a copy of v.
func (b *Buffer[T]) Put(v T, ts time.Time) int {
	return b.Publish(ts, func(dst *T) { *dst = v })
}

// Latest returns the index of the most recently published slot, or -1 if
// nothing has been published yet. Callers should snapshot it once per cycle.
func (b *Buffer[T]) Latest() int {
	return int(b.latest.Load())
}

// Get returns a copy of slot i. Out of range indexes yield the empty value.
func (b *Buffer[T]) Get(i int) (T, time.Time) {
	if i < 0 || i >= Capacity {
		var zero T
		return zero, time.Time{}
	}
	return b.slots[i].Load()
}

// Read gives fn locked access to slot i.
func (b *Buffer[T]) Read(i int, fn func(v *T, ts time.Time)) {
	if i < 0 || i >= Capacity {
		var zero T
		fn(&zero, time.Time{})
		return
	}
	b.slots[i].Read(fn)
}

// Newest returns the slot holding the greatest timestamp. Slots are inspected
// one lock at a time, so the writer may have moved on by the time the caller
// reads the slot; callers re-check the timestamp inside Read. The returned
// index is -1 when every slot is empty.
func (b *Buffer[T]) Newest() (int, time.Time) {
	idx := -1
	var newest time.Time
	for i := range b.slots {
		ts := b.slots[i].Timestamp()
		if ts.IsZero() {
			continue
		}
		if idx < 0 || ts.After(newest) {
			idx, newest = i, ts
		}
	}
	return idx, newest
}

// Reset marks every slot empty without releasing slot-owned resources. Only
// the producer may call it.
func (b *Buffer[T]) Reset() {
	b.latest.Store(-1)
	for i := range b.slots {
		b.slots[i].clear()
	}
}

// Each calls fn on every slot under its lock, in index order.
func (b *Buffer[T]) Each(fn func(i int, v *T)) {
	for i := range b.slots {
		b.slots[i].Read(func(v *T, _ time.Time) { fn(i, v) })
	}
}
