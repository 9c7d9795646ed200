package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretBox provides AES-256-GCM encryption for secrets stored at rest:
// per-tenant Epic client secrets and per-provider OAuth tokens. A nil
// SecretBox (no ENCRYPTION_KEY configured) passes values through unchanged;
// config.Load warns loudly about that state.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox creates a SecretBox with the given 32-byte AES-256 key.
// A nil or empty key returns a nil box, which disables encryption.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret box: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret box: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret box: create GCM: %w", err)
	}

	return &SecretBox{aead: aead}, nil
}

// Seal encrypts the plaintext and returns base64(nonce || ciphertext).
// A nil box returns the plaintext unchanged.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret box: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts a value produced by Seal. A nil box returns the
// input unchanged.
func (b *SecretBox) Open(ciphertext string) (string, error) {
	if b == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret box: base64 decode: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secret box: ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secret box: decrypt: %w", err)
	}
	return string(plaintext), nil
}
