// Package sealer provides the reversible transform applied to secret field
// values before they reach storage.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeySize    = errors.New("sealer key must be 32 bytes")
	ErrCiphertext = errors.New("malformed ciphertext")
)

// Sealer encrypts and decrypts field values bound to their location.
type Sealer interface {
	Seal(location, plaintext string) (string, error)
	Open(location, ciphertext string) (string, error)
}

// Location builds the additional data that binds a ciphertext to a document field.
func Location(entityType, entityID, field string) string {
	return entityType + "/" + entityID + "/" + field
}

// XChaCha seals with XChaCha20-Poly1305 and encodes nonce||ciphertext as base64.
type XChaCha struct {
	key []byte
}

func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XChaCha{key: k}, nil
}

// ParseKey accepts a base64 (std or url) or 64-char hex encoded 32-byte key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrKeySize
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(encoded); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	if len(encoded) == 2*chacha20poly1305.KeySize {
		if b, err := hex.DecodeString(encoded); err == nil {
			return b, nil
		}
	}
	return nil, ErrKeySize
}

func (s *XChaCha) Seal(location, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(location))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *XChaCha) Open(location, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCiphertext
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertext
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(location))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", location, err)
	}
	return string(plain), nil
}
