package call

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TurnPool bounds how many turns run at once across every session in the
// process. Sessions still serialize their own turns through the gate.
type TurnPool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

func NewTurnPool(size int) *TurnPool {
	if size <= 0 {
		size = 64
	}
	return &TurnPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Acquire blocks until a slot is free or ctx ends.
func (p *TurnPool) Acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	return nil
}

func (p *TurnPool) Release() {
	if p == nil {
		return
	}
	p.active.Add(-1)
	p.sem.Release(1)
}

func (p *TurnPool) Active() int {
	if p == nil {
		return 0
	}
	return int(p.active.Load())
}

func (p *TurnPool) Size() int {
	if p == nil {
		return 0
	}
	return int(p.size)
}
