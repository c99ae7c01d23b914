package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_BoundsConcurrency(t *testing.T) {
	g := New(3)
	var current, peak atomic.Int64

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer p.Release()

			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_AcquireHonoursContext(t *testing.T) {
	g := New(1)
	p, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release()
	p.Release()
	assert.Equal(t, 0, g.InFlight())

	p2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	p2.Release()
}

func TestNew_DefaultPermits(t *testing.T) {
	assert.Equal(t, DefaultPermits, New(0).Permits())
	assert.Equal(t, 5, New(5).Permits())
}
