package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// singleKeyScheme is the authentication key scheme byte for legacy single
// Ed25519 accounts.
const singleKeyScheme = 0x00

// Signer holds the administrator key used for ledger writes.
type Signer struct {
	key     ed25519.PrivateKey
	address string
}

// ParsePrivateKey builds a Signer from a hex-encoded Ed25519 key. Both the
// 32-byte seed and the 64-byte expanded form are accepted, with an optional
// "0x" or "ed25519-priv-" prefix.
func ParsePrivateKey(s string) (*Signer, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "ed25519-priv-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode private key: %w", err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("ledger: private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return NewSigner(key), nil
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, address: DeriveAddress(pub)}
}

// Address returns the account address of the signer.
func (s *Signer) Address() string { return s.address }

// PublicKeyHex returns the 0x-prefixed public key.
func (s *Signer) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign signs a transaction signing message.
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.key, message)
}

func (s *Signer) publicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// DeriveAddress computes the account address of a single-key Ed25519 account:
// sha3-256(public key || scheme byte).
func DeriveAddress(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{singleKeyScheme})
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeAddress lowercases an address and left-pads it to 32 bytes so
// short and long forms compare equal.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimPrefix(a, "0x")
	if len(a) < 64 {
		a = strings.Repeat("0", 64-len(a)) + a
	}
	return "0x" + a
}

// SameAddress reports whether two addresses denote the same account.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// VerifySignerAddress fails when the signer does not control the expected account.
func VerifySignerAddress(s *Signer, expected string) error {
	if !SameAddress(s.Address(), expected) {
		return fmt.Errorf("ledger: admin key address %s does not match module address %s", s.Address(), expected)
	}
	return nil
}
