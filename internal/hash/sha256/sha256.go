// Package sha256 content-addresses page snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher derives hex SHA-256 digests. Snapshot blobs are keyed by digest, so
// re-analyzing an unchanged page lands on the same object path.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	h := sha256.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
