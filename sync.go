package imgcache

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/aweris/imgcache/internal/compression"
	"github.com/aweris/imgcache/internal/remote"
	"github.com/aweris/imgcache/internal/store"
)

// Push uploads the disk tier as an OCI image to ref and, optionally, to
// additional tags of the same repository. It returns the snapshot root hash.
func (e *Engine) Push(ctx context.Context, ref string, tags ...string) (string, error) {
	r, closeRemote, err := e.openRemote(ref)
	if err != nil {
		return "", err
	}
	defer closeRemote()

	objects := make(map[string][]byte)
	for key := range e.disk.Keys() {
		data, err := e.disk.ReadKey(key)
		if err != nil {
			level.Debug(e.logger).Log("msg", "skip unreadable entry", "key", key, "err", err)
			continue
		}
		objects[key] = data
	}

	if len(tags) == 0 {
		tags = []string{r.Tag()}
	}

	var root string
	for _, tag := range tags {
		target, err := r.WithTag(tag)
		if err != nil {
			return "", err
		}
		root, err = target.Push(ctx, objects)
		if err != nil {
			return "", fmt.Errorf("push %s: %w", target, err)
		}
		level.Info(e.logger).Log("msg", "pushed", "ref", target.String(), "entries", len(objects), "root", root)
	}
	return root, nil
}

// Pull downloads the shards of ref that differ from the disk tier and writes
// their entries to disk. It returns the number of entries written. Entries
// already on disk are overwritten only when their shard changed remotely.
func (e *Engine) Pull(ctx context.Context, ref string) (int, error) {
	r, closeRemote, err := e.openRemote(ref)
	if err != nil {
		return 0, err
	}
	defer closeRemote()

	local, err := e.disk.Sizes()
	if err != nil {
		return 0, err
	}

	root, objects, err := r.Pull(ctx, local)
	if err != nil {
		return 0, fmt.Errorf("pull %s: %w", r, err)
	}

	written := 0
	for key, data := range objects {
		if !store.ValidKey(key) {
			level.Warn(e.logger).Log("msg", "skip foreign entry", "key", key)
			continue
		}
		if err := e.disk.WriteKey(key, data); err != nil {
			return written, err
		}
		written++
	}
	level.Info(e.logger).Log("msg", "pulled", "ref", r.String(), "entries", written, "root", root)
	return written, nil
}

func (e *Engine) openRemote(ref string) (*remote.OCIRemote, func(), error) {
	if ref == "" {
		return nil, nil, ErrNoRemote
	}
	codec, err := compression.New(compression.LevelDefault)
	if err != nil {
		return nil, nil, err
	}
	r, err := remote.NewOCIRemote(ref, e.opts.Auth, codec)
	if err != nil {
		_ = codec.Close()
		return nil, nil, err
	}
	r.SetConcurrency(e.opts.SyncConcurrency)
	r.SetLogger(log.With(e.logger, "component", "remote"))
	return r, func() { _ = codec.Close() }, nil
}
