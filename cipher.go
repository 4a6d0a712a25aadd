package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 310_000
	kdfKeyLen     = 32
)

// Cipher provides authenticated encryption of opaque strings with an
// AES-256-GCM key derived once from a long-term secret and salt. Everything
// that leaves the server inside a cookie goes through it.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key with PBKDF2-SHA256 so the same secret always
// yields the same key without the raw key ever being stored.
func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("cipher secret must not be empty")
	}

	if salt == "" {
		return nil, fmt.Errorf("cipher salt must not be empty")
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, kdfKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not create cipher block: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce and returns
// base64url(nonce || ciphertext || tag). A new nonce is drawn on every call.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure, including an authentication tag
// mismatch, yields ErrDecryption; partially decrypted bytes are never
// returned.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecryption)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: tag verification", ErrDecryption)
	}

	return string(plaintext), nil
}
