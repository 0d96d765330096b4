// Package signing manages the Ed25519 keypair used to sign proof-bundle
// hashes (spec.md §6: "signing key material for the proof linkage"). The
// teacher's go.mod already requires golang.org/x/crypto transitively; this
// package gives it a first-class, directly-imported call site.
package signing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// Signer signs and verifies proof hashes with a single Ed25519 keypair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner builds a Signer from a hex-encoded 64-byte Ed25519 private key,
// as loaded from the environment (spec.md §6 "Environment inputs").
func NewSigner(hexPrivateKey string) (*Signer, error) {
	raw, err := hex.DecodeString(hexPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub}, nil
}

// GenerateSigner creates a fresh keypair, intended for local development and
// tests where no signing key material has been provisioned.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// Sign signs the hex-encoded proof hash and returns the raw signature bytes.
func (s *Signer) Sign(proofHashHex string) []byte {
	return ed25519.Sign(s.priv, []byte(proofHashHex))
}

// Verify checks a signature against a hex-encoded proof hash.
func (s *Signer) Verify(proofHashHex string, signature []byte) bool {
	return ed25519.Verify(s.pub, []byte(proofHashHex), signature)
}

// PublicKeyHex returns the hex-encoded public key, for distribution to
// verifiers that need to check proof signatures out of band.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}
