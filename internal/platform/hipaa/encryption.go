// Package hipaa seals PHI fields before they reach a ledger or database.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a sealed field value. Values without it are returned
// unchanged by Open so that rows written before a key was configured stay
// readable.
const sealedPrefix = "phi:v1:"

var ErrTampered = errors.New("phi: ciphertext does not authenticate")

// PHIEncryptor seals field values with AES-256-GCM. Each value is bound to
// a context string (a record id, for example) used as additional data, so a
// ciphertext copied onto another record fails to open.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// ParseKey decodes a configured key given as 64 hex characters or as
// standard base64 of 32 bytes.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("phi key: expected 64 hex chars or base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("phi key: decoded to %d bytes, want 32", len(key))
	}
	return key, nil
}

// Seal encrypts plaintext bound to boundTo.
func (e *PHIEncryptor) Seal(plaintext, boundTo string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi seal: generate nonce: %w", err)
	}
	out := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(boundTo))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Unsealed values pass through.
func (e *PHIEncryptor) Open(value, boundTo string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("phi open: decode: %w", err)
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("phi open: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], []byte(boundTo))
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
