package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

const (
	LayerMinSize = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax = 10 * 1024 * 1024 // 10MB soft maximum

	keyLen = sha256.Size * 2
)

// PrefixInfo records which layer carries a key prefix and the hash of the
// prefix's contents at push time.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// Prefix returns the two-character shard of a content key.
func Prefix(key string) string {
	if len(key) >= 2 {
		return key[:2]
	}
	return "00"
}

// GroupByPrefix shards entries (content key -> bytes) by key prefix.
func GroupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for key, data := range objects {
		prefix := Prefix(key)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][key] = data
	}
	return result
}

// GroupSizesByPrefix shards entry sizes (content key -> size) by key prefix.
func GroupSizesByPrefix(sizes map[string]int64) map[string]map[string]int64 {
	result := make(map[string]map[string]int64)
	for key, size := range sizes {
		prefix := Prefix(key)
		if result[prefix] == nil {
			result[prefix] = make(map[string]int64)
		}
		result[prefix][key] = size
	}
	return result
}

// PrefixHash fingerprints a shard from its keys and sizes only. Change
// detection is size-based: an entry whose bytes differ but whose length
// matches (a same-size corrupt file, a re-encoded upstream image) hashes the
// same and is not transferred. Local corruption still heals on the next
// Resolve, which refetches undecodable entries.
func PrefixHash(sizes map[string]int64) string {
	if len(sizes) == 0 {
		return ""
	}

	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		_ = binary.Write(h, binary.BigEndian, sizes[k])
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Sizes maps each entry to its length.
func Sizes(objects map[string][]byte) map[string]int64 {
	out := make(map[string]int64, len(objects))
	for k, v := range objects {
		out[k] = int64(len(v))
	}
	return out
}

// PackLayer packs entries into [key 64B][length 8B][data]... in key order.
func PackLayer(blobs map[string][]byte) ([]byte, error) {
	keys := make([]string, 0, len(blobs))
	for k := range blobs {
		if len(k) != keyLen {
			return nil, fmt.Errorf("pack layer: bad key length %d", len(k))
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	lenBuf := make([]byte, 8)
	for _, k := range keys {
		data := blobs[k]
		buf.WriteString(k)
		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
		buf.Write(lenBuf)
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// UnpackLayer reverses PackLayer.
func UnpackLayer(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	r := bytes.NewReader(data)
	keyBuf := make([]byte, keyLen)

	for r.Len() > 0 {
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}

		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read length: %w", err)
		}
		if length > uint64(r.Len()) {
			return nil, fmt.Errorf("entry %s: length %d exceeds layer", keyBuf, length)
		}

		blob := make([]byte, length)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		result[string(keyBuf)] = blob
	}
	return result, nil
}

// BuildLayerPlan groups prefixes into layers close to LayerSoftMax.
func BuildLayerPlan(prefixSizes map[string]int64) [][]string {
	prefixes := make([]string, 0, len(prefixSizes))
	for p := range prefixSizes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range prefixes {
		prefixSize := prefixSizes[prefix]

		if len(current) == 0 {
			current = append(current, prefix)
			size = prefixSize
			continue
		}

		newSize := size + prefixSize
		switch {
		case newSize <= LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		case size < LayerMinSize && newSize <= 2*LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

// CollectPrefixBlobs merges the shards named by prefixes.
func CollectPrefixBlobs(prefixes []string, byPrefix map[string]map[string][]byte) map[string][]byte {
	result := make(map[string][]byte)
	for _, prefix := range prefixes {
		for k, data := range byPrefix[prefix] {
			result[k] = data
		}
	}
	return result
}

// CalculatePrefixSizes sums each shard's payload.
func CalculatePrefixSizes(byPrefix map[string]map[string][]byte) map[string]int64 {
	result := make(map[string]int64)
	for prefix, blobs := range byPrefix {
		var total int64
		for _, data := range blobs {
			total += int64(len(data))
		}
		result[prefix] = total
	}
	return result
}

// RootHash fingerprints a whole snapshot from its per-prefix hashes.
func RootHash(prefixHashes map[string]string) string {
	prefixes := make([]string, 0, len(prefixHashes))
	for p := range prefixHashes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	h := sha256.New()
	for _, p := range prefixes {
		h.Write([]byte(p + "\x00" + prefixHashes[p] + "\n"))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
