package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/imgcache/internal/compression"
)

const (
	DefaultConcurrency = 4

	labelRoot     = "dev.imgcache.root"
	labelPrefixes = "dev.imgcache.prefixes"
)

// OCIRemote exchanges disk-tier snapshots with one image reference.
type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	codec       *compression.Codec
	concurrency int
	logger      log.Logger
}

// NewOCIRemote creates a remote from a standard Docker ref (e.g. "ttl.sh/imgcache/posters:main").
func NewOCIRemote(imageRef string, auth Authenticator, codec *compression.Codec) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	if auth == nil {
		auth = NewDefaultAuthenticator()
	}
	return &OCIRemote{
		ref:         ref,
		auth:        auth,
		codec:       codec,
		concurrency: DefaultConcurrency,
		logger:      log.NewNopLogger(),
	}, nil
}

// SetConcurrency sets the number of parallel layer transfers.
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// SetLogger replaces the progress logger.
func (r *OCIRemote) SetLogger(l log.Logger) {
	if l != nil {
		r.logger = l
	}
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }
func (r *OCIRemote) Tag() string      { return r.ref.Identifier() }

// WithTag returns a copy of the remote pointing at another tag of the same repository.
func (r *OCIRemote) WithTag(tag string) (*OCIRemote, error) {
	newRef, err := name.NewTag(r.ref.Context().String()+":"+tag, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, err
	}
	cp := *r
	cp.ref = newRef
	return &cp, nil
}

// blobLayer implements v1.Layer over a zstd-compressed packed shard group.
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

func (r *OCIRemote) newBlobLayer(data []byte) *blobLayer {
	return &blobLayer{
		compressed:   r.codec.Encode(data),
		uncompressed: data,
	}
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads the given entries (content key -> bytes). Shards whose hash
// matches the remote's current label reuse the remote layer; only changed
// shards are packed and uploaded. It returns the snapshot root hash.
func (r *OCIRemote) Push(ctx context.Context, objects map[string][]byte) (string, error) {
	byPrefix := GroupByPrefix(objects)
	currentHashes := make(map[string]string, len(byPrefix))
	for prefix, blobs := range byPrefix {
		currentHashes[prefix] = PrefixHash(Sizes(blobs))
	}
	rootHash := RootHash(currentHashes)

	level.Info(r.logger).Log("msg", "push", "ref", r.String(), "entries", len(objects), "prefixes", len(byPrefix))

	remoteImg, remotePrefixes, err := r.fetchState(ctx)
	if err != nil {
		return "", err
	}

	var remoteLayers map[string]v1.Layer
	if remoteImg != nil {
		remoteLayers, err = layersByDigest(remoteImg)
		if err != nil {
			return "", fmt.Errorf("list remote layers: %w", err)
		}
	}

	newPrefixes := make(map[string]PrefixInfo)
	keep := make(map[string]v1.Layer)
	var changedPrefixes []string
	for prefix, hash := range currentHashes {
		info, ok := remotePrefixes[prefix]
		if ok && info.Hash == hash {
			if layer, found := remoteLayers[info.Layer]; found {
				newPrefixes[prefix] = info
				keep[info.Layer] = layer
				continue
			}
		}
		changedPrefixes = append(changedPrefixes, prefix)
	}

	level.Info(r.logger).Log("msg", "push plan", "changed", len(changedPrefixes), "reused_layers", len(keep))

	if len(changedPrefixes) == 0 && remoteImg != nil && len(newPrefixes) == len(remotePrefixes) {
		level.Info(r.logger).Log("msg", "push", "result", "up to date")
		return rootHash, nil
	}

	layers := make([]v1.Layer, 0, len(keep))
	for _, layer := range keep {
		layers = append(layers, layer)
	}

	changedByPrefix := make(map[string]map[string][]byte, len(changedPrefixes))
	for _, prefix := range changedPrefixes {
		changedByPrefix[prefix] = byPrefix[prefix]
	}

	var totalRaw, totalCompressed int64
	for _, group := range BuildLayerPlan(CalculatePrefixSizes(changedByPrefix)) {
		packed, err := PackLayer(CollectPrefixBlobs(group, changedByPrefix))
		if err != nil {
			return "", err
		}
		layer := r.newBlobLayer(packed)
		digest, err := layer.Digest()
		if err != nil {
			return "", fmt.Errorf("digest layer: %w", err)
		}
		totalRaw += int64(len(packed))
		totalCompressed += int64(len(layer.compressed))

		layers = append(layers, layer)
		for _, prefix := range group {
			newPrefixes[prefix] = PrefixInfo{Hash: currentHashes[prefix], Layer: digest.String()}
		}
	}

	level.Info(r.logger).Log("msg", "uploading", "layers", len(layers), "raw_bytes", totalRaw, "compressed_bytes", totalCompressed)

	img, err := r.buildImage(layers, rootHash, newPrefixes)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}
	if err := r.pushImage(ctx, img); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	level.Info(r.logger).Log("msg", "push done", "root", rootHash)
	return rootHash, nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, rootHash string, prefixes map[string]PrefixInfo) (v1.Image, error) {
	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return nil, err
	}

	cfg.Config.Labels = map[string]string{
		labelRoot:     rootHash,
		labelPrefixes: string(prefixJSON),
	}

	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, img v1.Image) error {
	options := append(r.remoteOptions(ctx), remote.WithJobs(r.concurrency))
	_, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	return err
}

// fetchState returns the remote image and its prefix label. A missing image
// is not an error: both results are nil.
func (r *OCIRemote) fetchState(ctx context.Context) (v1.Image, map[string]PrefixInfo, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		img, err := remote.Image(r.ref, r.remoteOptions(ctx)...)
		if isNotFound(err) {
			return nil, nil
		}
		return img, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch image: %w", err)
	}
	if img == nil {
		return nil, nil, nil
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, fmt.Errorf("get config: %w", err)
	}

	prefixes := make(map[string]PrefixInfo)
	if prefixJSON := cfg.Config.Labels[labelPrefixes]; prefixJSON != "" {
		if err := json.Unmarshal([]byte(prefixJSON), &prefixes); err != nil {
			return nil, nil, fmt.Errorf("parse prefixes: %w", err)
		}
	}
	return img, prefixes, nil
}

// Pull downloads every shard whose remote hash differs from the local one.
// localSizes maps the content keys already on disk to their sizes. The
// returned objects only contain entries from shards that needed transfer.
func (r *OCIRemote) Pull(ctx context.Context, localSizes map[string]int64) (string, map[string][]byte, error) {
	img, remotePrefixes, err := r.fetchState(ctx)
	if err != nil {
		return "", nil, err
	}
	if img == nil {
		return "", nil, fmt.Errorf("fetch image %s: not found", r.String())
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return "", nil, fmt.Errorf("get config: %w", err)
	}
	rootHash := cfg.Config.Labels[labelRoot]
	if rootHash == "" {
		return "", nil, fmt.Errorf("missing %s label", labelRoot)
	}

	localHashes := make(map[string]string)
	for prefix, sizes := range GroupSizesByPrefix(localSizes) {
		localHashes[prefix] = PrefixHash(sizes)
	}

	// layer digest -> prefixes wanted from it
	needed := make(map[string]map[string]bool)
	for prefix, info := range remotePrefixes {
		if localHashes[prefix] == info.Hash {
			continue
		}
		if needed[info.Layer] == nil {
			needed[info.Layer] = make(map[string]bool)
		}
		needed[info.Layer][prefix] = true
	}

	byDigest, err := layersByDigest(img)
	if err != nil {
		return "", nil, fmt.Errorf("get layers: %w", err)
	}

	for digest := range needed {
		if _, ok := byDigest[digest]; !ok {
			return "", nil, fmt.Errorf("layer %s referenced by label is missing", digest)
		}
	}

	level.Info(r.logger).Log("msg", "pull", "ref", r.String(), "layers", len(needed))

	var mu sync.Mutex
	objects := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for digest, prefixes := range needed {
		layer := byDigest[digest]
		p.Go(func(ctx context.Context) error {
			blobs, err := r.readLayer(layer)
			if err != nil {
				return fmt.Errorf("layer %s: %w", digest, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for k, v := range blobs {
				if prefixes[Prefix(k)] {
					objects[k] = v
				}
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return "", nil, err
	}

	level.Info(r.logger).Log("msg", "pull done", "entries", len(objects), "root", rootHash)
	return rootHash, objects, nil
}

func (r *OCIRemote) readLayer(layer v1.Layer) (map[string][]byte, error) {
	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	compressed, err := io.ReadAll(rc)
	if cerr := rc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	data, err := r.codec.Decode(compressed)
	if err != nil {
		return nil, err
	}
	return UnpackLayer(data)
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	username, password, err := r.auth.Authenticate(r.Registry())
	if err == nil && username != "" {
		return append(opts, remote.WithAuth(&authn.Basic{
			Username: username,
			Password: password,
		}))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func layersByDigest(img v1.Image) (map[string]v1.Layer, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, err
	}
	out := make(map[string]v1.Layer, len(layers))
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			return nil, err
		}
		out[digest.String()] = layer
	}
	return out, nil
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
