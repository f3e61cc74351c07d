package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyDerivationSalt binds derived keys to this application. Changing it
// invalidates every stored token.
var keyDerivationSalt = []byte("epicconnect/token-cipher")

// DeriveKey expands a configured secret into a 32-byte AES-256 key with
// HKDF-SHA256. The generation is mixed into the info parameter so two key
// generations never share key material even if an operator reuses a secret.
func DeriveKey(secret string, generation int) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token cipher: secret must be at least %d characters, got %d", MinSecretLength, len(secret))
	}
	info := []byte(fmt.Sprintf("aes-256-gcm/v%d", generation))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), keyDerivationSalt, info), key); err != nil {
		return nil, fmt.Errorf("token cipher: derive key: %w", err)
	}
	return key, nil
}

// aeadCipher provides AES-256-GCM encryption with a random nonce per message.
type aeadCipher struct {
	aead cipher.AEAD
}

func newAEADCipher(key []byte) (*aeadCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create GCM: %w", err)
	}

	return &aeadCipher{aead: aead}, nil
}

// seal returns base64(nonce || ciphertext).
func (c *aeadCipher) seal(plaintext, additionalData []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := c.aead.Seal(nonce, nonce, plaintext, additionalData)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

var errCiphertextTooShort = errors.New("ciphertext too short")

func (c *aeadCipher) open(encoded string, additionalData []byte) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, errCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
