// Package sha256 computes content digests for rendered documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix tags digests so sinks can tell the algorithm apart from other fingerprints.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the prefixed hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two digests name the same content.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
