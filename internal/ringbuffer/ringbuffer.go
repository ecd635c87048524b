// Package ringbuffer provides a fixed-capacity, freshness-aware buffer
// used by InPort connectors to hold the value(s) written by a connected
// OutPort.
//
// In its default Mode (ModeLatest) the buffer only ever exposes the
// most recently written value: Put always advances the read cursor to
// the slot it just wrote, so readers see a latest-value register
// despite the capacity-N shape. Callers that want FIFO queueing
// semantics construct with ModeFIFO instead.
package ringbuffer

import "fmt"

// Mode selects the buffer's read semantics.
type Mode int

const (
	// ModeLatest makes get() always return the most recently put value,
	// regardless of capacity. This is the historical RTC buffer contract.
	ModeLatest Mode = iota
	// ModeFIFO makes get() advance through values in write order,
	// dropping the oldest unread value on overwrite.
	ModeFIFO
)

// slot holds one buffered value and its freshness bit.
type slot[T any] struct {
	value T
	fresh bool
}

// RingBuffer is a fixed-capacity queue of slots. It is NOT safe for
// concurrent use; the owning Port (or Connector) is responsible for
// locking around Put/Get.
type RingBuffer[T any] struct {
	mode  Mode
	slots []slot[T]
	wr    int // write cursor
	rd    int // read cursor
}

// New allocates a RingBuffer of capacity N. Capacities below 2 are
// coerced up to 2, per the buffer's minimum-shape invariant.
func New[T any](capacity int, mode Mode) *RingBuffer[T] {
	if capacity < 2 {
		capacity = 2
	}
	return &RingBuffer[T]{
		mode:  mode,
		slots: make([]slot[T], capacity),
		wr:    0,
		rd:    capacity - 1,
	}
}

// Cap returns the buffer's slot capacity.
func (b *RingBuffer[T]) Cap() int { return len(b.slots) }

// Put writes v into the current write slot, marks it fresh, and
// advances the write cursor modulo N. In ModeLatest the read cursor
// is moved to the slot just written, so the next Get always returns
// the most recent Put. In ModeFIFO the read cursor is left where it
// is unless the buffer was empty, so values are consumed in order;
// if Put catches up to an unread rd slot, that unread value is
// silently overwritten (the oldest unread value is dropped) and rd
// is advanced past it.
func (b *RingBuffer[T]) Put(v T) {
	n := len(b.slots)
	switch b.mode {
	case ModeFIFO:
		wasEmpty := b.IsEmpty()
		overwritingUnread := b.slots[b.wr].fresh
		b.slots[b.wr] = slot[T]{value: v, fresh: true}
		if wasEmpty {
			b.rd = b.wr
		} else if overwritingUnread && b.rd == b.wr {
			b.rd = (b.wr + 1) % n
		}
		b.wr = (b.wr + 1) % n
	default: // ModeLatest
		b.slots[b.wr] = slot[T]{value: v, fresh: true}
		b.rd = b.wr
		b.wr = (b.wr + 1) % n
	}
}

// Get returns the value at the read cursor and marks it non-fresh. In
// ModeFIFO the read cursor also advances to the next slot so a
// subsequent Get returns the next-oldest unread value.
func (b *RingBuffer[T]) Get() T {
	v := b.slots[b.rd].value
	b.slots[b.rd].fresh = false
	if b.mode == ModeFIFO {
		b.rd = (b.rd + 1) % len(b.slots)
	}
	return v
}

// IsNew reports whether the current read slot holds an unread value.
func (b *RingBuffer[T]) IsNew() bool {
	return b.slots[b.rd].fresh
}

// IsEmpty reports whether the current read slot is not fresh.
func (b *RingBuffer[T]) IsEmpty() bool {
	return !b.slots[b.rd].fresh
}

// IsFull always reports false: by contract the buffer never blocks or
// rejects a write, it overwrites.
func (b *RingBuffer[T]) IsFull() bool { return false }

// WillOverwrite reports whether the next Put would land on a slot
// still holding an unread value. Callers that want a full-policy
// decision (overwrite, time out, drop) check this before Put.
func (b *RingBuffer[T]) WillOverwrite() bool {
	return b.slots[b.wr].fresh
}

// Init pre-fills every slot with v by calling Put N times, matching
// the historical `init(v)` contract.
func (b *RingBuffer[T]) Init(v T) {
	for i := 0; i < len(b.slots); i++ {
		b.Put(v)
	}
}

func (b *RingBuffer[T]) String() string {
	return fmt.Sprintf("RingBuffer(cap=%d, wr=%d, rd=%d, fresh=%v)", len(b.slots), b.wr, b.rd, b.slots[b.rd].fresh)
}
