package crypto

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyRing holds verifiers for every key that ever signed ledger entries, so
// history stays verifiable across rotation.
type KeyRing struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier // keyID -> Verifier
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		verifiers: make(map[string]Verifier),
	}
}

// AddVerifier registers a verifier under keyID.
func (k *KeyRing) AddVerifier(keyID string, v Verifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[keyID] = v
}

// AddSigner registers the verifier half of an Ed25519 signer.
func (k *KeyRing) AddSigner(s *Ed25519Signer) {
	k.AddVerifier(s.KeyID(), s.Verifier())
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.verifiers, keyID)
}

// KeyIDs lists registered keys in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VerifyKey verifies signature for a specific key
func (k *KeyRing) VerifyKey(keyID string, message []byte, signature []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	v, exists := k.verifiers[keyID]
	if !exists {
		return false, fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return v.Verify(message, signature), nil
}

// VerifyTyped verifies a hex signature labelled "ed25519:<key-id>".
func (k *KeyRing) VerifyTyped(sigType, sigHex string, message []byte) (bool, error) {
	parts := strings.SplitN(sigType, SigSeparator, 2)
	if len(parts) != 2 || parts[0] != SigPrefixEd25519 {
		return false, fmt.Errorf("invalid signature type format: %s", sigType)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return k.VerifyKey(parts[1], message, sig)
}
