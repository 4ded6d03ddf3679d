package common

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Fingerprint builds a short, order-independent digest of the given parts.
func Fingerprint(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return Sha256Hex(strings.Join(sorted, "|"))[:16]
}
