package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealPrefix = "v1:"

// ErrUnsealed is returned when sealed data is read without a key or with the
// wrong one.
var ErrUnsealed = errors.New("sealed token cannot be opened")

// Sealer encrypts token columns with XChaCha20-Poly1305. A Sealer built with
// an empty key passes values through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer accepts a 32-byte key given as hex or standard base64.
func NewSealer(key string) (*Sealer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Sealer{}, nil
	}
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func decodeKey(key string) ([]byte, error) {
	if b, err := hex.DecodeString(key); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("token key must be %d bytes as hex or base64", chacha20poly1305.KeySize)
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Seal encrypts plaintext bound to aad. Empty values stay empty so "no refresh
// token" remains visible to queries.
func (s *Sealer) Seal(plaintext string, aad []byte) (string, error) {
	if !s.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return sealPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values written before sealing was enabled are returned
// as they are.
func (s *Sealer) Open(value string, aad []byte) (string, error) {
	if !strings.HasPrefix(value, sealPrefix) {
		return value, nil
	}
	if !s.Enabled() {
		return "", ErrUnsealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", fmt.Errorf("%w: truncated", ErrUnsealed)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], aad)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	return string(plain), nil
}
