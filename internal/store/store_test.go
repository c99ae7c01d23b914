package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k := Key("https://cdn.example/poster.png")
	assert.Len(t, k, KeyLen)
	assert.True(t, ValidKey(k))
	assert.Equal(t, k, Key("https://cdn.example/poster.png"))
	assert.NotEqual(t, k, Key("https://cdn.example/poster.png?v=2"))

	// sha256("") is well known.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Key(""))
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"derived", Key("x"), true},
		{"empty", "", false},
		{"short", "abc", false},
		{"uppercase", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855", false},
		{"traversal", "../" + Key("x")[3:], false},
		{"temp file", ".tmp-e3b0c442-123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKey(tt.in))
		})
	}
}

func TestDisk_WriteReadExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "app", StorageDir)
	d := NewDisk(dir)
	loc := "https://cdn.example/a.png"

	assert.False(t, d.Exists(loc))
	_, err := d.Read(loc)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Write(loc, []byte("payload")))
	assert.True(t, d.Exists(loc))
	assert.Equal(t, filepath.Join(dir, Key(loc)), d.Path(loc))

	got, err := d.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	// Overwrite replaces the entry wholesale.
	require.NoError(t, d.Write(loc, []byte("v2")))
	got, err = d.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestDisk_ReadErrorIsNotFound(t *testing.T) {
	dir := t.TempDir()
	d := NewDisk(dir)
	loc := "https://cdn.example/dir.png"

	// A directory where the file should be is unreadable as an entry.
	require.NoError(t, os.MkdirAll(d.Path(loc), 0o755))
	assert.False(t, d.Exists(loc))
	_, err := d.Read(loc)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDisk_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	d := NewDisk(dir)
	require.NoError(t, d.Write("a", []byte("1")))
	require.NoError(t, d.Write("b", []byte("2")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDisk_ConcurrentSameKeyWrites(t *testing.T) {
	d := NewDisk(t.TempDir())
	loc := "https://cdn.example/shared.png"
	data := []byte("identical bytes")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Write(loc, data))
		}()
	}
	wg.Wait()

	got, err := d.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDisk_WriteKeyRejectsInvalidKey(t *testing.T) {
	d := NewDisk(t.TempDir())
	assert.Error(t, d.WriteKey("../escape", []byte("x")))
	_, err := d.ReadKey("../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisk_ClearKeysStats(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, StorageDir)
	d := NewDisk(dir)

	stats, err := d.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)

	var want []string
	for i := range 3 {
		loc := fmt.Sprintf("https://cdn.example/%d.png", i)
		require.NoError(t, d.Write(loc, []byte("1234")))
		want = append(want, Key(loc))
	}
	// Stray files are not entries.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	keys := slices.Collect(d.Keys())
	slices.Sort(keys)
	slices.Sort(want)
	assert.Equal(t, want, keys)

	sizes, err := d.Sizes()
	require.NoError(t, err)
	assert.Len(t, sizes, 3)
	assert.Equal(t, int64(4), sizes[want[0]])

	stats, err = d.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(12), stats.TotalBytes)
	assert.Equal(t, dir, stats.Dir)

	require.NoError(t, d.Clear())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, d.Clear(), "clearing a missing dir is fine")
	assert.Empty(t, slices.Collect(d.Keys()))
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	dir, err := DefaultDir("catalog-app")
	require.NoError(t, err)
	assert.Equal(t, StorageDir, filepath.Base(dir))
	assert.Equal(t, "catalog-app", filepath.Base(filepath.Dir(dir)))
}

func TestMemory_Eviction(t *testing.T) {
	m, err := NewMemory[int](100)
	require.NoError(t, err)

	for i := range 100 {
		m.Add(fmt.Sprintf("loc-%d", i), i)
	}
	// Touch loc-0 so loc-1 becomes the least recently used.
	v, ok := m.Get("loc-0")
	require.True(t, ok)
	assert.Equal(t, 0, v)

	evicted := m.Add("loc-100", 100)
	assert.True(t, evicted)
	assert.Equal(t, 100, m.Len())

	_, ok = m.Get("loc-1")
	assert.False(t, ok, "least recently used entry must be evicted")
	for i := range 101 {
		if i == 1 {
			continue
		}
		assert.True(t, m.Contains(fmt.Sprintf("loc-%d", i)), "loc-%d", i)
	}
}

func TestMemory_ReplaceAndClear(t *testing.T) {
	m, err := NewMemory[string](2)
	require.NoError(t, err)

	assert.False(t, m.Add("a", "1"))
	assert.False(t, m.Add("a", "2"))
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.Cap())

	m.Remove("a")
	assert.False(t, m.Contains("a"))

	m.Add("b", "x")
	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestNewMemory_InvalidSize(t *testing.T) {
	_, err := NewMemory[int](0)
	assert.Error(t, err)
}
