// Package store implements the two cache tiers of the image engine.
//
// The disk tier keeps raw encoded bytes exactly as they came off the wire,
// one file per locator named by its content key:
//
//	<cache dir>/
//	  3f5a...e1  (sha256 of the locator, hex)
//	  9b0c...72
//
// The memory tier is a bounded LRU map from locator to decoded handle.
// Neither tier ever holds its lock across network or disk I/O.
package store

import "errors"

// ErrNotFound is returned for any disk-tier read that did not produce bytes.
// A missing file and an unreadable one are deliberately indistinguishable.
var ErrNotFound = errors.New("store: not found")
