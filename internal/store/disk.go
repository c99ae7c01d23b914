package store

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
)

// StorageDir is the fixed subfolder of the application cache root that holds
// disk entries.
const StorageDir = "CacheStorage"

// Disk implements the disk tier on the local filesystem.
//
// Entries are content-addressed and never updated in place, so concurrent
// writers of the same key race harmlessly: both write identical bytes.
type Disk struct {
	dir string
}

// NewDisk returns a disk tier rooted at dir. The directory is created lazily
// on the first write.
func NewDisk(dir string) *Disk {
	return &Disk{dir: dir}
}

// AppDir returns the per-application cache root: <user cache dir>/<appID>.
func AppDir(appID string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, appID), nil
}

// DefaultDir returns <user cache dir>/<appID>/CacheStorage.
func DefaultDir(appID string) (string, error) {
	root, err := AppDir(appID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, StorageDir), nil
}

// Dir returns the directory holding the entries.
func (d *Disk) Dir() string { return d.dir }

// Path returns the file path used for locator.
func (d *Disk) Path(locator string) string {
	return d.keyPath(Key(locator))
}

// Exists reports whether an entry for locator is present. Stat errors count
// as absent.
func (d *Disk) Exists(locator string) bool {
	info, err := os.Stat(d.Path(locator))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the raw bytes stored for locator. Every failure wraps
// ErrNotFound so callers can fall back to the network.
func (d *Disk) Read(locator string) ([]byte, error) {
	return d.ReadKey(Key(locator))
}

// ReadKey is Read addressed by content key.
func (d *Disk) ReadKey(key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: invalid key %q", ErrNotFound, key)
	}
	data, err := os.ReadFile(d.keyPath(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return data, nil
}

// Write stores data for locator.
func (d *Disk) Write(locator string, data []byte) error {
	return d.WriteKey(Key(locator), data)
}

// WriteKey stores data under key. The bytes land in a temp file first and are
// renamed into place, so a reader never sees a half-written entry.
func (d *Disk) WriteKey(key string, data []byte) (err error) {
	if !ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, ".tmp-"+key[:8]+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close entry %s: %w", key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod entry %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), d.keyPath(key)); err != nil {
		return fmt.Errorf("commit entry %s: %w", key, err)
	}
	return nil
}

// Clear removes the whole directory tree. A missing directory is not an error.
func (d *Disk) Clear() error {
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("remove cache dir: %w", err)
	}
	return nil
}

// Keys yields the content key of every committed entry.
func (d *Disk) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !ValidKey(e.Name()) {
				continue
			}
			if !yield(e.Name()) {
				return
			}
		}
	}
}

// Stats describes the disk tier.
type Stats struct {
	Dir        string `json:"dir"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"totalBytes"`
}

// Stats walks the directory and sums committed entries.
func (d *Disk) Stats() (Stats, error) {
	sizes, err := d.Sizes()
	if err != nil {
		return Stats{Dir: d.dir}, err
	}
	stats := Stats{Dir: d.dir, Entries: len(sizes)}
	for _, n := range sizes {
		stats.TotalBytes += n
	}
	return stats, nil
}

// Sizes maps every stored key to its size in bytes. A missing directory
// yields an empty map.
func (d *Disk) Sizes() (map[string]int64, error) {
	sizes := make(map[string]int64)
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sizes, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !ValidKey(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sizes[e.Name()] = info.Size()
	}
	return sizes, nil
}

func (d *Disk) keyPath(key string) string {
	return filepath.Join(d.dir, key)
}
