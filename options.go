package imgcache

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aweris/imgcache/internal/fetch"
	"github.com/aweris/imgcache/internal/gate"
	"github.com/aweris/imgcache/internal/remote"
	"github.com/aweris/imgcache/internal/store"
)

// DefaultAppID names the per-application cache root.
const DefaultAppID = "imgcache"

// HTTPConfig configures the built-in HTTP fetcher.
type HTTPConfig = fetch.Config

// Authenticator provides credentials for registry sync.
type Authenticator = remote.Authenticator

// StaticAuthenticator returns fixed basic credentials.
type StaticAuthenticator = remote.StaticAuthenticator

// Options configures an Engine.
type Options struct {
	AppID string
	// CacheDir overrides <user cache dir>/<AppID>/CacheStorage.
	CacheDir      string
	MemoryEntries int
	MaxDownloads  int
	Coalesce      bool

	HTTP    HTTPConfig
	Fetcher Fetcher
	Decoder Decoder

	Logger     log.Logger
	Registerer prometheus.Registerer
	Clock      func() time.Time

	Auth            Authenticator
	SyncConcurrency int
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		AppID:           DefaultAppID,
		MemoryEntries:   store.DefaultMemoryEntries,
		MaxDownloads:    gate.DefaultPermits,
		Coalesce:        true,
		HTTP:            HTTPConfig{Timeout: fetch.DefaultTimeout, InsecureSkipVerify: true},
		Decoder:         DefaultDecoder,
		Logger:          log.NewNopLogger(),
		Clock:           time.Now,
		SyncConcurrency: remote.DefaultConcurrency,
	}
}

// WithAppID sets the application identifier used in the default cache path.
func WithAppID(id string) Option {
	return func(o *Options) {
		if id != "" {
			o.AppID = id
		}
	}
}

// WithCacheDir sets the disk-tier directory explicitly.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithMemoryEntries sets the memory-tier capacity.
func WithMemoryEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MemoryEntries = n
		}
	}
}

// WithMaxDownloads sets how many network fetches may run at once.
func WithMaxDownloads(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxDownloads = n
		}
	}
}

// WithCoalescing toggles sharing one in-flight resolution between concurrent
// callers asking for the same locator.
func WithCoalescing(enabled bool) Option {
	return func(o *Options) { o.Coalesce = enabled }
}

// WithHTTP configures the built-in fetcher. Ignored when WithFetcher is used.
func WithHTTP(cfg HTTPConfig) Option {
	return func(o *Options) { o.HTTP = cfg }
}

// WithFetcher replaces the network fetch capability.
func WithFetcher(f Fetcher) Option {
	return func(o *Options) { o.Fetcher = f }
}

// WithDecoder replaces the image decoder.
func WithDecoder(d Decoder) Option {
	return func(o *Options) {
		if d != nil {
			o.Decoder = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l log.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRegisterer registers the engine's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

// WithClock substitutes the time source used for fetch timings.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Clock = now
		}
	}
}

// WithAuth sets registry credentials for Push and Pull.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithSyncConcurrency sets the number of parallel layer transfers for Push and Pull.
func WithSyncConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SyncConcurrency = n
		}
	}
}
