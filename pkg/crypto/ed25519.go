package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// A signature type label is "<scheme>:<key-id>", e.g. "ed25519:ltc-1".
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// Signer signs ledger hashes and checkpoint roots. Signatures are hex.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	KeyID() string
}

// Verifier checks a raw signature over message.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
}

// Ed25519Signer holds one ledger signing key.
type Ed25519Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewEd25519Signer generates a fresh key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{key: key, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(key ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{key: key, keyID: keyID}
}

// NewEd25519SignerFromSeed rebuilds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, data)), nil
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.PublicKeyBytes()) }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// SignatureType labels signatures made by this key.
func (s *Ed25519Signer) SignatureType() string {
	return SigPrefixEd25519 + SigSeparator + s.keyID
}

// Seed exports the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte { return s.key.Seed() }

// Verifier returns the public half.
func (s *Ed25519Signer) Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{PublicKey: s.PublicKeyBytes()}
}

// Ed25519Verifier checks signatures against one public key.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier wraps a raw public key.
func NewEd25519Verifier(pub []byte) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pub)}, nil
}

// NewEd25519VerifierFromHex parses a hex public key, as printed by
// Ed25519Signer.PublicKey.
func NewEd25519VerifierFromHex(pubHex string) (*Ed25519Verifier, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return NewEd25519Verifier(pub)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(v.PublicKey, message, signature)
}

// VerifyHex checks a hex signature against a hex public key.
func VerifyHex(pubHex, sigHex string, data []byte) (bool, error) {
	v, err := NewEd25519VerifierFromHex(pubHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return v.Verify(data, sig), nil
}
