package imgcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/imgcache/internal/fetch"
	"github.com/aweris/imgcache/internal/gate"
	"github.com/aweris/imgcache/internal/store"
)

// Fetcher retrieves the raw bytes behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, locator string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// Engine resolves locators to decoded images through the memory tier, the
// disk tier and finally a gated network fetch. An Engine is safe for
// concurrent use; create one per process and share it.
type Engine struct {
	memory  *store.Memory[*Image]
	disk    *store.Disk
	gate    *gate.Gate
	fetcher Fetcher
	decoder Decoder

	coalesce bool
	flights  singleflight.Group

	opts    *Options
	metrics *metrics
	logger  log.Logger
	now     func() time.Time
}

// New builds an engine. Without options it uses <user cache dir>/imgcache/CacheStorage,
// 100 memory entries, 3 concurrent downloads and the built-in HTTP fetcher.
func New(opts ...Option) (*Engine, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	cacheDir := options.CacheDir
	if cacheDir == "" {
		dir, err := store.DefaultDir(options.AppID)
		if err != nil {
			return nil, err
		}
		cacheDir = dir
	}

	memory, err := store.NewMemory[*Image](options.MemoryEntries)
	if err != nil {
		return nil, err
	}

	fetcher := options.Fetcher
	if fetcher == nil {
		h, err := fetch.NewHTTP(options.HTTP)
		if err != nil {
			return nil, fmt.Errorf("create http fetcher: %w", err)
		}
		fetcher = h
	}

	return &Engine{
		memory:   memory,
		disk:     store.NewDisk(cacheDir),
		gate:     gate.New(options.MaxDownloads),
		fetcher:  fetcher,
		decoder:  options.Decoder,
		coalesce: options.Coalesce,
		opts:     options,
		metrics:  newMetrics(options.Registerer),
		logger:   options.Logger,
		now:      options.Clock,
	}, nil
}

// Resolve returns the decoded image for locator. A memory hit returns
// without touching the gate or the disk. Failures are *FetchError.
//
// With coalescing on, cancelling ctx only abandons this caller's wait; the
// shared resolution runs to completion for everyone else.
func (e *Engine) Resolve(ctx context.Context, locator string) (*Image, error) {
	if img, ok := e.memory.Get(locator); ok {
		e.metrics.lookups.WithLabelValues(sourceMemory).Inc()
		return img, nil
	}
	if !e.coalesce {
		return e.load(ctx, locator)
	}

	// The flight outlives any single caller.
	flightCtx := context.WithoutCancel(ctx)
	ch := e.flights.DoChan(locator, func() (any, error) {
		return e.load(flightCtx, locator)
	})

	select {
	case res := <-ch:
		if res.Shared {
			e.metrics.coalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Image), nil
	case <-ctx.Done():
		e.metrics.failures.WithLabelValues(string(StageNetwork)).Inc()
		return nil, &FetchError{Locator: locator, Stage: StageNetwork, Err: ctx.Err()}
	}
}

func (e *Engine) load(ctx context.Context, locator string) (*Image, error) {
	// A flight that finished between the caller's lookup and ours.
	if img, ok := e.memory.Get(locator); ok {
		e.metrics.lookups.WithLabelValues(sourceMemory).Inc()
		return img, nil
	}

	key := store.Key(locator)
	logger := log.With(e.logger, "locator", locator, "key", key)

	if img, ok := e.loadFromDisk(locator, key, logger); ok {
		e.metrics.lookups.WithLabelValues(sourceDisk).Inc()
		return img, nil
	}

	data, err := e.download(ctx, locator)
	if err != nil {
		e.metrics.failures.WithLabelValues(string(StageNetwork)).Inc()
		level.Warn(logger).Log("msg", "fetch failed", "stage", StageNetwork, "err", err)
		return nil, &FetchError{Locator: locator, Stage: StageNetwork, Err: err}
	}

	if err := e.disk.Write(locator, data); err != nil {
		e.metrics.diskWriteErrors.Inc()
		level.Warn(logger).Log("msg", "cache write failed", "err", err)
	}

	img, err := e.decode(locator, key, data)
	if err != nil {
		e.metrics.failures.WithLabelValues(string(StageDecode)).Inc()
		level.Warn(logger).Log("msg", "fetch failed", "stage", StageDecode, "err", err)
		return nil, &FetchError{Locator: locator, Stage: StageDecode, Err: err}
	}

	e.memory.Add(locator, img)
	e.metrics.lookups.WithLabelValues(sourceNetwork).Inc()
	level.Debug(logger).Log("msg", "resolved", "source", sourceNetwork, "bytes", len(data))
	return img, nil
}

// loadFromDisk reports false on any miss, read error or undecodable entry.
func (e *Engine) loadFromDisk(locator, key string, logger log.Logger) (*Image, bool) {
	if !e.disk.Exists(locator) {
		return nil, false
	}
	data, err := e.disk.Read(locator)
	if err != nil {
		level.Debug(logger).Log("msg", "disk read failed", "err", err)
		return nil, false
	}
	img, err := e.decode(locator, key, data)
	if err != nil {
		e.metrics.corruptEntries.Inc()
		level.Warn(logger).Log("msg", "corrupt disk entry, refetching", "err", err)
		return nil, false
	}
	e.memory.Add(locator, img)
	return img, true
}

func (e *Engine) download(ctx context.Context, locator string) ([]byte, error) {
	permit, err := e.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	e.metrics.inFlight.Inc()
	defer e.metrics.inFlight.Dec()

	start := e.now()
	data, err := e.fetcher.Fetch(ctx, locator)
	e.metrics.fetchDuration.Observe(e.now().Sub(start).Seconds())
	return data, err
}

func (e *Engine) decode(locator, key string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	decoded, format, err := e.decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	return &Image{
		Locator: locator,
		Key:     key,
		Format:  format,
		Image:   decoded,
		Size:    len(data),
	}, nil
}

// Cached reports which tiers currently hold locator, without touching recency.
func (e *Engine) Cached(locator string) (memory, disk bool) {
	return e.memory.Contains(locator), e.disk.Exists(locator)
}

// Path returns the disk-tier file used for locator.
func (e *Engine) Path(locator string) string { return e.disk.Path(locator) }

// Dir returns the disk-tier directory.
func (e *Engine) Dir() string { return e.disk.Dir() }

// ClearMemory empties the memory tier only, as a process restart would.
func (e *Engine) ClearMemory() {
	e.memory.Clear()
}

// Clear empties both tiers. A disk failure is logged and returned; the
// memory tier is cleared regardless.
func (e *Engine) Clear() error {
	e.memory.Clear()
	if err := e.disk.Clear(); err != nil {
		level.Error(e.logger).Log("msg", "clear disk tier failed", "dir", e.disk.Dir(), "err", err)
		return err
	}
	level.Info(e.logger).Log("msg", "image cache cleared", "dir", e.disk.Dir())
	return nil
}

// Stats summarizes both tiers and the gate.
type Stats struct {
	MemoryEntries  int         `json:"memoryEntries"`
	MemoryCapacity int         `json:"memoryCapacity"`
	InFlight       int         `json:"inFlight"`
	MaxDownloads   int         `json:"maxDownloads"`
	Disk           store.Stats `json:"disk"`
}

// Stats reports the current state of the engine.
func (e *Engine) Stats() (Stats, error) {
	disk, err := e.disk.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MemoryEntries:  e.memory.Len(),
		MemoryCapacity: e.memory.Cap(),
		InFlight:       e.gate.InFlight(),
		MaxDownloads:   e.gate.Permits(),
		Disk:           disk,
	}, nil
}

// Close releases idle network connections held by the built-in fetcher.
func (e *Engine) Close() error {
	if c, ok := e.fetcher.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return nil
}
