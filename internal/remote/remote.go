// Package remote shares a warm disk tier through an OCI registry.
//
// A snapshot is a single image whose layers are zstd-compressed packs of
// disk entries, sharded by the first two hex characters of the content key.
// The image config carries two labels:
//
//	dev.imgcache.root      fingerprint of the whole snapshot
//	dev.imgcache.prefixes  JSON map prefix -> {hash, layer digest}
//
// Push compares local shard hashes against the remote label and uploads only
// shards that changed; Pull downloads only layers holding shards that differ
// from what is already on disk.
package remote
