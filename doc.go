// Package imgcache fetches remote images through a two-tier cache and hands
// the decoded results to a single render goroutine.
//
// Lookups go memory tier, then disk tier, then network. The memory tier is an
// LRU of decoded images keyed by locator. The disk tier stores encoded bytes
// under <user cache dir>/<app id>/CacheStorage/<sha256(locator)> and survives
// restarts. Network fetches are limited to three at a time.
//
// Basic usage:
//
//	engine, _ := imgcache.New(imgcache.WithAppID("catalog-app"))
//	defer engine.Close()
//
//	img, err := engine.Resolve(ctx, "https://cdn.example/poster.png")
//	if errors.Is(err, imgcache.ErrTransport) { ... }
//
// From a UI, resolve through a Bridge so the render goroutine never blocks:
//
//	bridge := imgcache.NewBridge(engine)
//	defer bridge.Close()
//
//	bridge.Request(url, widget) // widget implements Target
//
//	// once per frame, on the render goroutine
//	bridge.Drain()
//
//	// when a widget is destroyed
//	bridge.Forget(widget)
//
// Failed requests show Placeholder instead of surfacing an error.
//
// Sharing a warm disk tier through an OCI registry:
//
//	engine.Push(ctx, "ttl.sh/myorg/posters:main")
//	engine.Pull(ctx, "ttl.sh/myorg/posters:main")
//
// Maintenance:
//
//	stats, _ := engine.Stats() // tier sizes, downloads in flight
//	engine.Clear()             // empty both tiers
package imgcache
