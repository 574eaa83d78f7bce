// Package crypt seals key material for storage in the data store and
// materializes decrypted keys as short-lived files for subprocess use.
// Sealing is AES-256-GCM with the process-wide secret; the nonce is
// prepended to the ciphertext.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/xerrors"
)

// Sealer encrypts and decrypts secrets with the process key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, xerrors.Errorf("sealer key is %d bytes, want 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed secret.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, xerrors.New("sealed secret shorter than nonce")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening sealed secret: %w", err)
	}
	return plaintext, nil
}
