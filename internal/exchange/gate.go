package exchange

import "sync/atomic"

// Gate is the single in-flight token between a producer stage and its
// consumer. The producer acquires it before rotating and posting; the
// consumer releases it once it no longer reads the inactive slot.
type Gate struct {
	busy atomic.Bool
}

// TryAcquire takes the token if it is free. It never waits.
func (g *Gate) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release returns the token.
func (g *Gate) Release() {
	g.busy.Store(false)
}

// Idle reports whether the token is free.
func (g *Gate) Idle() bool {
	return !g.busy.Load()
}
