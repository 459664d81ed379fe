package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSigner derives a purpose-bound Ed25519 signer from a master seed via
// HKDF-SHA256. The same seed, purpose and keyID always yield the same key.
func DeriveSigner(masterSeed []byte, purpose, keyID string) (*Ed25519Signer, error) {
	if len(masterSeed) < 16 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(masterSeed))
	}
	reader := hkdf.New(sha256.New, masterSeed, []byte("qhub-kdf:"+purpose), []byte(keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}
