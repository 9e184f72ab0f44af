// Package integrity provides the content hash that binds a composed narrative
// to the value sealed on the ledger. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashPrefix marks a narrative hash. The digest is hex-encoded SHA-256.
const HashPrefix = "0x"

// ComputeNarrativeHash returns "0x" followed by the SHA-256 hex digest of the
// exact byte sequence of text. No normalization is applied.
func ComputeNarrativeHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// VerifyNarrativeHash reports whether stored equals the hash of text.
// Comparison of the hex digest is case-insensitive and constant-time.
func VerifyNarrativeHash(stored, text string) bool {
	want := ComputeNarrativeHash(text)
	got := strings.ToLower(strings.TrimSpace(stored))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// IsNarrativeHash reports whether s has the shape of a narrative hash.
func IsNarrativeHash(s string) bool {
	if !strings.HasPrefix(s, HashPrefix) || len(s) != len(HashPrefix)+sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s[len(HashPrefix):])
	return err == nil
}

// SameHash compares two narrative hashes, ignoring hex case.
func SameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
