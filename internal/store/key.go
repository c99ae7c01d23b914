package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyLen is the length of a content key in hex characters.
const KeyLen = sha256.Size * 2

// Key derives the content key for a locator.
func Key(locator string) string {
	h := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(h[:])
}

// ValidKey reports whether s has the shape of a content key. Anything else
// (temp files, names from a remote snapshot) must never become a path.
func ValidKey(s string) bool {
	if len(s) != KeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
