package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSigner_SignAndVerify(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	msg := []byte("sha256:abc")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := VerifyHex(signer.PublicKey(), sig, msg)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("Valid signature rejected")
	}

	ok, _ = VerifyHex(signer.PublicKey(), sig, []byte("sha256:abd"))
	if ok {
		t.Error("Tampered message accepted")
	}
}

func TestSigner_FromSeedRoundTrip(t *testing.T) {
	signer, _ := NewEd25519Signer("root")
	again, err := NewEd25519SignerFromSeed(signer.Seed(), "root")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if signer.PublicKey() != again.PublicKey() {
		t.Error("seed round trip changed the public key")
	}
	if _, err := NewEd25519SignerFromSeed([]byte("short"), "x"); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestKeyRing_RotationKeepsOldSignaturesVerifiable(t *testing.T) {
	k1, _ := NewEd25519Signer("k1")
	k2, _ := NewEd25519Signer("k2")
	ring := NewKeyRing()
	ring.AddSigner(k1)
	ring.AddSigner(k2)

	msg := []byte("entry")
	sig1, _ := k1.Sign(msg)
	sig2, _ := k2.Sign(msg)

	for _, tc := range []struct {
		sigType, sig string
	}{{k1.SignatureType(), sig1}, {k2.SignatureType(), sig2}} {
		ok, err := ring.VerifyTyped(tc.sigType, tc.sig, msg)
		if err != nil || !ok {
			t.Errorf("%s: ok=%v err=%v", tc.sigType, ok, err)
		}
	}

	// Cross-key signature must fail.
	ok, _ := ring.VerifyTyped(k1.SignatureType(), sig2, msg)
	if ok {
		t.Error("signature from k2 accepted under k1")
	}

	ring.RevokeKey("k1")
	if _, err := ring.VerifyTyped(k1.SignatureType(), sig1, msg); err == nil {
		t.Error("revoked key still verifies")
	}
	if got := ring.KeyIDs(); len(got) != 1 || got[0] != "k2" {
		t.Errorf("KeyIDs = %v", got)
	}
}

func TestKeyRing_RejectsMalformedType(t *testing.T) {
	ring := NewKeyRing()
	if _, err := ring.VerifyTyped("rsa-k1", "00", nil); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

func TestHasher_Algorithms(t *testing.T) {
	for _, alg := range []string{AlgSHA256, AlgBLAKE2b256} {
		h, err := NewHasher(alg)
		if err != nil {
			t.Fatalf("NewHasher(%s): %v", alg, err)
		}
		d := h.Sum([]byte("payload"))
		if !strings.HasPrefix(d, alg+":") {
			t.Errorf("digest %q lacks %s prefix", d, alg)
		}
		back, err := HasherFor(d)
		if err != nil || back.Algorithm() != alg {
			t.Errorf("HasherFor(%q) = %v, %v", d, back, err)
		}
		raw, err := DigestBytes(d)
		if err != nil || len(raw) != 32 {
			t.Errorf("DigestBytes(%q) = %d bytes, %v", d, len(raw), err)
		}
		if !strings.HasSuffix(h.Genesis(), strings.Repeat("0", 64)) {
			t.Errorf("genesis %q is not all zero", h.Genesis())
		}
	}

	sha, _ := NewHasher(AlgSHA256)
	b2, _ := NewHasher(AlgBLAKE2b256)
	if sha.Sum([]byte("x")) == b2.Sum([]byte("x")) {
		t.Error("distinct algorithms produced identical digests")
	}
	if _, err := NewHasher("md5"); err == nil {
		t.Error("md5 accepted")
	}
}

func TestDeriveSigner_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := DeriveSigner(seed, "ledger", "ltc-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DeriveSigner(seed, "ledger", "ltc-1")
	c, _ := DeriveSigner(seed, "ledger", "ltc-2")

	if a.PublicKey() != b.PublicKey() {
		t.Error("same inputs derived different keys")
	}
	if a.PublicKey() == c.PublicKey() {
		t.Error("different key ids derived the same key")
	}
	if _, err := hex.DecodeString(a.PublicKey()); err != nil {
		t.Errorf("public key is not hex: %v", err)
	}
	if _, err := DeriveSigner([]byte("short"), "ledger", "x"); err == nil {
		t.Error("expected error for short master seed")
	}
}
