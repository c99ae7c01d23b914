package imgcache

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sourcegraph/conc"
)

// Target is a display surface owned by the render goroutine. Implementations
// must be comparable, which pointer receivers are.
type Target interface {
	SetImage(img *Image)
	SetPlaceholder(img *Image)
}

// Resolver is the part of Engine the bridge needs.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (*Image, error)
}

// Delivery carries one finished resolution back to the render goroutine.
type Delivery struct {
	Target  Target
	Locator string
	Image   *Image
	Err     error

	seq uint64
}

// Bridge runs resolutions on worker goroutines and hands their outcomes to a
// single render goroutine over a channel.
//
// Request, Deliver, Forget, Drain and Run must all be called from the render
// goroutine; they share bookkeeping that is deliberately unsynchronized.
// Only the workers and Close run elsewhere.
type Bridge struct {
	resolver    Resolver
	placeholder *Image
	logger      log.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	deliveries chan Delivery
	done       chan struct{}
	wg         conc.WaitGroup

	// render goroutine only
	pending map[Target]uint64
	seq     uint64
}

// BridgeOption configures NewBridge.
type BridgeOption func(*Bridge)

// WithPlaceholder replaces the blank image shown on failure.
func WithPlaceholder(img *Image) BridgeOption {
	return func(b *Bridge) {
		if img != nil {
			b.placeholder = img
		}
	}
}

// WithBuffer sets the delivery channel capacity.
func WithBuffer(n int) BridgeOption {
	return func(b *Bridge) {
		if n >= 0 {
			b.deliveries = make(chan Delivery, n)
		}
	}
}

// WithBridgeLogger sets the logger for failed resolutions.
func WithBridgeLogger(l log.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBridge creates a bridge over r. Resolutions are not tied to the target
// that asked for them: they run to completion until Close.
func NewBridge(r Resolver, opts ...BridgeOption) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		resolver:    r,
		placeholder: Placeholder(),
		logger:      log.NewNopLogger(),
		ctx:         ctx,
		cancel:      cancel,
		deliveries:  make(chan Delivery, 64),
		done:        make(chan struct{}),
		pending:     make(map[Target]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request starts resolving locator for t and returns immediately. Exactly one
// Delivery is produced per request. A later Request for the same target
// supersedes this one, so a recycled widget only ever shows its latest image.
func (b *Bridge) Request(locator string, t Target) {
	b.seq++
	seq := b.seq
	b.pending[t] = seq

	b.wg.Go(func() {
		img, err := b.resolver.Resolve(b.ctx, locator)
		d := Delivery{Target: t, Locator: locator, Image: img, Err: err, seq: seq}
		select {
		case b.deliveries <- d:
		case <-b.done:
		}
	})
}

// Forget marks t as destroyed. Deliveries still in flight for it are dropped.
func (b *Bridge) Forget(t Target) {
	delete(b.pending, t)
}

// Pending returns the number of targets waiting for a delivery.
func (b *Bridge) Pending() int { return len(b.pending) }

// Deliveries exposes the channel for render loops that select over several
// event sources. Every received value must be passed to Deliver.
func (b *Bridge) Deliveries() <-chan Delivery { return b.deliveries }

// Deliver applies d to its target. It reports false when the target was
// forgotten or has since been re-requested.
func (b *Bridge) Deliver(d Delivery) bool {
	seq, ok := b.pending[d.Target]
	if !ok || seq != d.seq {
		return false
	}
	delete(b.pending, d.Target)

	if d.Err != nil || d.Image == nil {
		level.Debug(b.logger).Log("msg", "showing placeholder", "locator", d.Locator, "err", d.Err)
		d.Target.SetPlaceholder(b.placeholder)
		return true
	}
	d.Target.SetImage(d.Image)
	return true
}

// Drain applies every delivery that is ready without blocking and returns how
// many reached a live target. Call it once per frame.
func (b *Bridge) Drain() int {
	applied := 0
	for {
		select {
		case d := <-b.deliveries:
			if b.Deliver(d) {
				applied++
			}
		default:
			return applied
		}
	}
}

// Run applies deliveries as they arrive until ctx is done or the bridge is
// closed. It is for render goroutines with no loop of their own.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case d := <-b.deliveries:
			b.Deliver(d)
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		}
	}
}

// Close cancels outstanding resolutions and waits for the workers to exit.
// Deliveries not yet applied are discarded.
func (b *Bridge) Close() {
	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	b.cancel()
	b.wg.Wait()
}
