// Package secrets encrypts and decrypts stored third-party credentials.
//
// The stored form is "ivHex:tagHex:ciphertextHex" produced by AES-256-GCM with
// a 12-byte IV and a 16-byte tag.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	KeySize = 32
	ivSize  = 12
	tagSize = 16
)

var (
	ErrMalformed = errors.New("malformed secret: expected iv:tag:ciphertext")
	ErrNoKey     = errors.New("encryption key is not configured")
)

type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a raw 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewCodecFromHex builds a codec from the hex form used in configuration.
// An empty key yields a codec that fails every operation with ErrNoKey.
func NewCodecFromHex(hexKey string) (*Codec, error) {
	if hexKey == "" {
		return &Codec{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	return NewCodec(key)
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrNoKey
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

func (c *Codec) Decrypt(secret string) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrNoKey
	}
	parts := strings.Split(secret, ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: bad iv", ErrMalformed)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformed)
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
