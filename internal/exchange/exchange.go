// Package exchange holds the lock-free hand-off primitives shared by the
// pipeline stages: a two-slot Exchange, a single-slot overwriting Mailbox and
// the in-flight Gate token that ties them together.
//
// None of these are queues. A consumer only ever sees the most recently
// completed item; anything older is silently replaced.
package exchange

import "sync/atomic"

// Exchange is a double buffer. The producer fills Active, then calls Rotate
// so the consumer can read the finished item through Inactive while the
// producer starts on the other slot.
//
// At most one goroutine may write Active and at most one may read Inactive at
// any time. Rotate must not be called while the consumer is still reading the
// previous Inactive slot; a Gate enforces that between stages.
type Exchange[T any] struct {
	slots  [2]T
	active atomic.Uint32
}

// New returns an Exchange whose two slots are prepared by init (which may be nil).
func New[T any](init func(*T)) *Exchange[T] {
	e := &Exchange[T]{}
	if init != nil {
		init(&e.slots[0])
		init(&e.slots[1])
	}
	return e
}

// Active returns the slot the producer is filling.
func (e *Exchange[T]) Active() *T {
	return &e.slots[e.active.Load()]
}

// Inactive returns the last slot the producer finished.
func (e *Exchange[T]) Inactive() *T {
	return &e.slots[1-e.active.Load()]
}

// Rotate swaps the active and inactive tags.
func (e *Exchange[T]) Rotate() {
	for {
		cur := e.active.Load()
		if e.active.CompareAndSwap(cur, 1-cur) {
			return
		}
	}
}
