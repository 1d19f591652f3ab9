// Package identity provides public-key identities and the deterministic
// signing contract every chat message and credential must satisfy.
//
// An identity is an Ed25519 public key. The signed preimage for a message is
// the fixed canonical concatenation content || ":" || timestamp, so signing
// the same (content, timestamp) pair always yields a byte-identical
// signature. Retries use a fresh timestamp and therefore a fresh signature.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

// KeySize is the byte length of an Ed25519 public key.
const KeySize = ed25519.PublicKeySize

var (
	// ErrBinaryContent is returned when content is not valid UTF-8.
	// Binary payloads are rejected before signing, never coerced.
	ErrBinaryContent = errors.New("identity: content is not valid UTF-8")

	// ErrInvalidKey is returned when a public key fails to parse.
	ErrInvalidKey = errors.New("identity: invalid public key")
)

// PublicKey is an Ed25519 public key. The zero value is not a valid key.
// Being a fixed-size array it is comparable and usable as a map key.
type PublicKey [KeySize]byte

// Hex returns the lowercase hex encoding of the key.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Short returns a truncated hex form for logs and display.
func (k PublicKey) Short() string {
	return k.Hex()[:12]
}

// IsZero reports whether the key is the (invalid) zero value.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Fingerprint returns a SHA-256 hex digest of the public key bytes.
func (k PublicKey) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:])
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

// KeyPair holds a local signing identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  PublicKey
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate key: %w", err)
	}
	var k PublicKey
	copy(k[:], pub)
	return KeyPair{Private: priv, Public: k}, nil
}

// FromSeed reconstructs a key pair from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("identity: bad seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var k PublicKey
	copy(k[:], priv.Public().(ed25519.PublicKey))
	return KeyPair{Private: priv, Public: k}, nil
}

// Canonical returns the exact byte sequence that is signed for a
// (content, timestamp) pair: content || ":" || timestamp. Content bytes
// pass through unchanged; no normalization, truncation, or re-encoding.
func Canonical(content, timestamp string) []byte {
	buf := make([]byte, 0, len(content)+1+len(timestamp))
	buf = append(buf, content...)
	buf = append(buf, ':')
	buf = append(buf, timestamp...)
	return buf
}

// Sign produces a deterministic signature over Canonical(content, timestamp).
// Content that is not valid UTF-8 is rejected with ErrBinaryContent before
// any signing takes place. Sign is a pure function: no shared state, safe
// under concurrent invocation.
func Sign(priv ed25519.PrivateKey, content, timestamp string) ([]byte, error) {
	if !utf8.ValidString(content) {
		return nil, ErrBinaryContent
	}
	return ed25519.Sign(priv, Canonical(content, timestamp)), nil
}

// Verify reports whether sig is a valid signature by pub over
// Canonical(content, timestamp). Non-UTF-8 content never verifies.
func Verify(pub PublicKey, content, timestamp string, sig []byte) bool {
	if !utf8.ValidString(content) {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), Canonical(content, timestamp), sig)
}

// MessageRef returns a content-free reference for a signed message: the
// SHA-256 hex digest of its canonical preimage. Offline notifications carry
// this reference instead of the message content.
func MessageRef(content, timestamp string) string {
	sum := sha256.Sum256(Canonical(content, timestamp))
	return hex.EncodeToString(sum[:])
}
