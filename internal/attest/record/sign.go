package record

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
)

// Sign signs payload bytes with an Ed25519 private key and returns the
// 64-byte signature. Ed25519 is deterministic: the same key and payload
// always produce the same signature.
func Sign(payload []byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return ed25519.Sign(key, payload), nil
}

// DerivePublicKey returns the public counterpart of an Ed25519 private key.
func DerivePublicKey(key ed25519.PrivateKey) (ed25519.PublicKey, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return key.Public().(ed25519.PublicKey), nil
}

// GenerateKeypair creates a fresh Ed25519 keypair. Long-lived keys belong to
// the key-custody collaborator; this exists for bootstrap and testing.
func GenerateKeypair(reader io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return publicKey, privateKey, nil
}
