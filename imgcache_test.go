package imgcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeFetcher serves fixed bytes per locator and records how it was called.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	payload func(locator string) ([]byte, error)
	delay   time.Duration
	block   chan struct{}

	current atomic.Int64
	peak    atomic.Int64
}

func newFakeFetcher(t testing.TB) *fakeFetcher {
	data := pngBytes(t, 4, 3)
	return &fakeFetcher{
		calls:   make(map[string]int),
		payload: func(string) ([]byte, error) { return data, nil },
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[locator]++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.payload(locator)
}

func (f *fakeFetcher) count(locator string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[locator]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestEngine(t *testing.T, f Fetcher, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithCacheDir(t.TempDir()), WithFetcher(f)}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestResolve_EndToEnd(t *testing.T) {
	const locator = "https://cdn.example/poster.png"
	payload := pngBytes(t, 40, 60)

	f := newFakeFetcher(t)
	f.payload = func(string) ([]byte, error) { return payload, nil }
	e := newTestEngine(t, f)
	ctx := context.Background()

	mem, disk := e.Cached(locator)
	require.False(t, mem)
	require.False(t, disk)

	img, err := e.Resolve(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(locator))
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, image.Rect(0, 0, 40, 60), img.Bounds())
	assert.Equal(t, len(payload), img.Size)

	sum := sha256.Sum256([]byte(locator))
	wantPath := filepath.Join(e.Dir(), hex.EncodeToString(sum[:]))
	assert.Equal(t, wantPath, e.Path(locator))
	onDisk, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	cached, ok := e.memory.Get(locator)
	require.True(t, ok)
	assert.Same(t, img, cached)

	again, err := e.Resolve(ctx, locator)
	require.NoError(t, err)
	assert.Same(t, img, again)
	assert.Equal(t, 1, f.count(locator), "second resolve must not hit the network")
}

func TestResolve_ColdStartUsesDisk(t *testing.T) {
	dir := t.TempDir()
	f := newFakeFetcher(t)
	ctx := context.Background()
	const locator = "https://cdn.example/cover.png"

	e, err := New(WithCacheDir(dir), WithFetcher(f))
	require.NoError(t, err)
	first, err := e.Resolve(ctx, locator)
	require.NoError(t, err)

	e.ClearMemory()
	mem, disk := e.Cached(locator)
	assert.False(t, mem)
	assert.True(t, disk)

	second, err := e.Resolve(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(locator))
	assert.Equal(t, first.Image, second.Image)

	// A new process over the same directory.
	restarted, err := New(WithCacheDir(dir), WithFetcher(f))
	require.NoError(t, err)
	_, err = restarted.Resolve(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(locator))
}

func TestResolve_MemoryEviction(t *testing.T) {
	f := newFakeFetcher(t)
	e := newTestEngine(t, f)
	ctx := context.Background()

	loc := func(i int) string { return fmt.Sprintf("https://cdn.example/%d.png", i) }
	for i := range 101 {
		_, err := e.Resolve(ctx, loc(i))
		require.NoError(t, err)
	}

	mem, disk := e.Cached(loc(0))
	assert.False(t, mem, "least recently used entry is evicted")
	assert.True(t, disk)
	for i := 1; i <= 100; i++ {
		mem, _ := e.Cached(loc(i))
		assert.True(t, mem, "entry %d", i)
	}

	// The evicted entry comes back from disk.
	_, err := e.Resolve(ctx, loc(0))
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(loc(0)))
}

func TestResolve_ConcurrencyBound(t *testing.T) {
	f := newFakeFetcher(t)
	f.delay = 20 * time.Millisecond
	e := newTestEngine(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Resolve(context.Background(), fmt.Sprintf("https://cdn.example/item/%d.png", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 50, f.total())
	assert.LessOrEqual(t, f.peak.Load(), int64(3))
	assert.Equal(t, 0, e.gate.InFlight())
}

func TestResolve_CorruptDiskEntryIsRefetched(t *testing.T) {
	const locator = "https://cdn.example/broken.png"
	payload := pngBytes(t, 2, 2)
	f := newFakeFetcher(t)
	f.payload = func(string) ([]byte, error) { return payload, nil }
	e := newTestEngine(t, f)

	require.NoError(t, os.MkdirAll(e.Dir(), 0o755))
	require.NoError(t, os.WriteFile(e.Path(locator), []byte("definitely not an image"), 0o644))

	img, err := e.Resolve(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	assert.Equal(t, 1, f.count(locator))

	healed, err := os.ReadFile(e.Path(locator))
	require.NoError(t, err)
	assert.Equal(t, payload, healed)
}

func TestResolve_TransportError(t *testing.T) {
	const locator = "https://cdn.example/missing.png"
	boom := errors.New("connection reset")
	f := newFakeFetcher(t)
	f.payload = func(string) ([]byte, error) { return nil, boom }
	e := newTestEngine(t, f)

	img, err := e.Resolve(context.Background(), locator)
	require.Error(t, err)
	assert.Nil(t, img)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDecode)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageNetwork, fe.Stage)
	assert.Equal(t, locator, fe.Locator)

	_, disk := e.Cached(locator)
	assert.False(t, disk)
}

func TestResolve_DecodeError(t *testing.T) {
	const locator = "https://cdn.example/page.html"
	f := newFakeFetcher(t)
	f.payload = func(string) ([]byte, error) { return []byte("<html></html>"), nil }
	e := newTestEngine(t, f)

	_, err := e.Resolve(context.Background(), locator)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageDecode, fe.Stage)

	mem, _ := e.Cached(locator)
	assert.False(t, mem)

	// Empty bodies are not images either.
	f.payload = func(string) ([]byte, error) { return nil, nil }
	_, err = e.Resolve(context.Background(), "https://cdn.example/empty.png")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestResolve_DiskWriteFailureIsNotFatal(t *testing.T) {
	// A regular file where the cache directory should be makes every write fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	reg := prometheus.NewRegistry()
	f := newFakeFetcher(t)
	e, err := New(WithCacheDir(filepath.Join(blocker, "CacheStorage")), WithFetcher(f), WithRegisterer(reg))
	require.NoError(t, err)

	img, err := e.Resolve(context.Background(), "https://cdn.example/a.png")
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.diskWriteErrors))
}

func TestResolve_Coalescing(t *testing.T) {
	const locator = "https://cdn.example/hot.png"

	run := func(t *testing.T, coalesce bool) int {
		f := newFakeFetcher(t)
		f.block = make(chan struct{})
		e := newTestEngine(t, f, WithCoalescing(coalesce))

		var wg sync.WaitGroup
		results := make([]*Image, 10)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				img, err := e.Resolve(context.Background(), locator)
				assert.NoError(t, err)
				results[i] = img
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(f.block)
		wg.Wait()

		for _, img := range results {
			assert.NotNil(t, img)
		}
		return f.count(locator)
	}

	t.Run("enabled", func(t *testing.T) {
		assert.Equal(t, 1, run(t, true))
	})
	t.Run("disabled", func(t *testing.T) {
		assert.Equal(t, 10, run(t, false))
	})
}

func TestResolve_ContextCanceledWhileQueued(t *testing.T) {
	const slow, queued = "https://cdn.example/slow.png", "https://cdn.example/queued.png"
	f := newFakeFetcher(t)
	f.block = make(chan struct{})
	e := newTestEngine(t, f, WithMaxDownloads(1))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = e.Resolve(context.Background(), slow)
	}()
	require.Eventually(t, func() bool { return e.gate.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Resolve(ctx, queued)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.count(queued))

	// The abandoned resolution still completes once a permit frees up.
	close(f.block)
	<-slowDone
	require.Eventually(t, func() bool {
		mem, _ := e.Cached(queued)
		return mem
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, f.count(queued))
}

func TestResolve_CanceledCallerDoesNotFailOthers(t *testing.T) {
	const locator = "https://cdn.example/shared.png"
	f := newFakeFetcher(t)
	f.block = make(chan struct{})
	e := newTestEngine(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Resolve(ctx, locator)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.count(locator) == 1 }, time.Second, time.Millisecond)

	type result struct {
		img *Image
		err error
	}
	joined := make(chan result, 2)
	for range 2 {
		go func() {
			img, err := e.Resolve(context.Background(), locator)
			joined <- result{img, err}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller should return without waiting for the fetch")
	}

	close(f.block)
	for range 2 {
		r := <-joined
		require.NoError(t, r.err)
		assert.Equal(t, image.Rect(0, 0, 4, 3), r.img.Bounds())
	}
	assert.Equal(t, 1, f.count(locator))

	mem, disk := e.Cached(locator)
	assert.True(t, mem)
	assert.True(t, disk)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFakeFetcher(t)
	e := newTestEngine(t, f, WithRegisterer(reg))
	ctx := context.Background()
	const locator = "https://cdn.example/m.png"

	_, err := e.Resolve(ctx, locator)
	require.NoError(t, err)
	_, err = e.Resolve(ctx, locator)
	require.NoError(t, err)
	e.ClearMemory()
	_, err = e.Resolve(ctx, locator)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.lookups.WithLabelValues(sourceNetwork)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.lookups.WithLabelValues(sourceMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.lookups.WithLabelValues(sourceDisk)))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.inFlight))

	n, err := testutil.GatherAndCount(reg, "imgcache_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ClearAndStats(t *testing.T) {
	f := newFakeFetcher(t)
	e := newTestEngine(t, f)
	ctx := context.Background()

	for i := range 3 {
		_, err := e.Resolve(ctx, fmt.Sprintf("https://cdn.example/%d.png", i))
		require.NoError(t, err)
	}
	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.MemoryEntries)
	assert.Equal(t, 100, stats.MemoryCapacity)
	assert.Equal(t, 3, stats.MaxDownloads)
	assert.Equal(t, 3, stats.Disk.Entries)

	require.NoError(t, e.Clear())
	stats, err = e.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.Disk.Entries)

	_, err = e.Resolve(ctx, "https://cdn.example/0.png")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("https://cdn.example/0.png"))
}

func TestNew_DefaultDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	e, err := New(WithAppID("catalog-app"), WithFetcher(newFakeFetcher(t)))
	require.NoError(t, err)
	assert.Equal(t, "CacheStorage", filepath.Base(e.Dir()))
	assert.Equal(t, "catalog-app", filepath.Base(filepath.Dir(e.Dir())))
}

func TestNew_InvalidProxy(t *testing.T) {
	_, err := New(WithCacheDir(t.TempDir()), WithHTTP(HTTPConfig{Proxy: "://bad"}))
	assert.Error(t, err)
}
