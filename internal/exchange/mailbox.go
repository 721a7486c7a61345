package exchange

import "sync/atomic"

// Mailbox is a single-slot inbox with overwrite semantics: Post never blocks,
// and a newer item replaces one the consumer has not taken yet.
type Mailbox[T any] struct {
	ch    chan T
	drops atomic.Uint64
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, 1)}
}

// Post delivers v. If an unconsumed item was displaced it is returned with dropped=true.
func (m *Mailbox[T]) Post(v T) (displaced T, dropped bool) {
	for {
		select {
		case m.ch <- v:
			return displaced, dropped
		default:
		}
		select {
		case old := <-m.ch:
			m.drops.Add(1)
			// With a single producer there is never more than one displaced item.
			if !dropped {
				displaced, dropped = old, true
			}
		default:
		}
	}
}

// C is the receive side, for use in select statements.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// TryReceive takes the pending item without blocking.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	select {
	case v := <-m.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len is 1 while an item is waiting.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Drops counts items that were overwritten before being received.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}
