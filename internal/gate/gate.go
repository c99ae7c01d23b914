// Package gate bounds how many network fetches may be in flight at once.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPermits is the process-wide download limit used when none is configured.
const DefaultPermits = 3

// Gate is a counting admission gate. One Gate is created by the composition
// root and shared by every fetch for the life of the process.
type Gate struct {
	sem      *semaphore.Weighted
	permits  int
	inFlight atomic.Int64
}

// New returns a gate with n permits. n <= 0 falls back to DefaultPermits.
func New(n int) *Gate {
	if n <= 0 {
		n = DefaultPermits
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), permits: n}
}

// Acquire blocks until a permit is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.inFlight.Add(1)
	return &Permit{gate: g}, nil
}

// Permits returns the gate's capacity.
func (g *Gate) Permits() int { return g.permits }

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Permit is a held slot. Release it with defer right after Acquire.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the slot. Calling it more than once is a no-op.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.inFlight.Add(-1)
		p.gate.sem.Release(1)
	})
}
