// Package crypto is the process-wide cipher store: symmetric encryption of
// message bodies and one-way password hashing for credentials.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyBytes = chacha20poly1305.KeySize

	// marker prefixes every ciphertext so stored values can be told apart
	// from stray plaintext rows.
	marker = "pv1:"
)

var (
	ErrNotCiphertext = errors.New("crypto: value lacks ciphertext marker")
	ErrBadKeySize    = errors.New("crypto: key must be 32 bytes")
)

// Cipher encrypts and decrypts message bodies with one symmetric key.
// Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeyBytes {
		return nil, ErrBadKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// LoadKey resolves the process key. A non-empty encoded value wins; otherwise
// the key file is read, and created with a fresh random key when absent.
// Regenerating the key orphans previously stored ciphertext.
func LoadKey(encoded, path string) ([]byte, error) {
	if encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != KeyBytes {
			return nil, ErrBadKeySize
		}
		return key, nil
	}

	b, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		if len(key) != KeyBytes {
			return nil, ErrBadKeySize
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, KeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return key, nil
}

// Encrypt seals plaintext with a random nonce and returns
// "pv1:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return marker + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. ErrNotCiphertext is returned when the marker is
// missing; any other error means the ciphertext failed to open.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, marker) {
		return "", ErrNotCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(marker):])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return "", errors.New("crypto: ciphertext too short")
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}
