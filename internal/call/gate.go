package call

import "sync/atomic"

// BusyGate admits at most one turn per session. A failed claim has no side
// effects; callers drop whatever triggered it.
type BusyGate struct {
	closed atomic.Bool
}

// TryClaim moves the gate from open to closed and reports whether this
// caller won.
func (g *BusyGate) TryClaim() bool {
	return g.closed.CompareAndSwap(false, true)
}

// Release reopens the gate. Releasing an open gate is a no-op.
func (g *BusyGate) Release() {
	g.closed.Store(false)
}

func (g *BusyGate) Busy() bool {
	return g.closed.Load()
}
