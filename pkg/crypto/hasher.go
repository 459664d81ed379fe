package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported digest algorithms. Digests are rendered "<alg>:<hex>".
const (
	AlgSHA256     = "sha256"
	AlgBLAKE2b256 = "blake2b-256"
)

// Hasher produces self-describing digests.
type Hasher interface {
	Algorithm() string
	Sum(data []byte) string
	// Genesis is the all-zero digest used as the first prev_hash of a chain.
	Genesis() string
}

type sha256Hasher struct{}

func (sha256Hasher) Algorithm() string { return AlgSHA256 }

func (sha256Hasher) Sum(data []byte) string {
	h := sha256.Sum256(data)
	return AlgSHA256 + ":" + hex.EncodeToString(h[:])
}

func (sha256Hasher) Genesis() string { return AlgSHA256 + ":" + strings.Repeat("0", 64) }

type blake2bHasher struct{}

func (blake2bHasher) Algorithm() string { return AlgBLAKE2b256 }

func (blake2bHasher) Sum(data []byte) string {
	h := blake2b.Sum256(data)
	return AlgBLAKE2b256 + ":" + hex.EncodeToString(h[:])
}

func (blake2bHasher) Genesis() string { return AlgBLAKE2b256 + ":" + strings.Repeat("0", 64) }

// NewHasher returns the hasher for alg. Empty selects SHA-256.
func NewHasher(alg string) (Hasher, error) {
	switch strings.ToLower(alg) {
	case "", AlgSHA256:
		return sha256Hasher{}, nil
	case AlgBLAKE2b256, "blake2b":
		return blake2bHasher{}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// HasherFor returns the hasher that produced digest.
func HasherFor(digest string) (Hasher, error) {
	alg, _, ok := strings.Cut(digest, ":")
	if !ok {
		return nil, fmt.Errorf("digest %q has no algorithm prefix", digest)
	}
	return NewHasher(alg)
}

// DigestBytes strips the algorithm prefix and decodes the hex body.
func DigestBytes(digest string) ([]byte, error) {
	_, body, ok := strings.Cut(digest, ":")
	if !ok {
		return nil, fmt.Errorf("digest %q has no algorithm prefix", digest)
	}
	return hex.DecodeString(body)
}
