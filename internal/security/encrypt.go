// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides encryption at rest for the bizcopilot store:
// AES-256-GCM sealing inside a versioned envelope, master key generation and
// derivation, and a platform-protected vault for small secrets.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// SECURITY HELPER FUNCTIONS
// =============================================================================

// ZeroBytes zeros sensitive byte slices.
// SECURITY: keeps key material out of crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// CONSTANTS
// =============================================================================

// EnvelopePrefix starts every value written by this package.
const EnvelopePrefix = "ENC:"

const (
	// EnvelopeGCM tags AES-256-GCM output: ENC:v1:base64(nonce|ciphertext|tag)
	EnvelopeGCM = EnvelopePrefix + "v1:"

	// EnvelopeXOR tags degraded-mode output: ENC:x1:base64(pad|xored)
	EnvelopeXOR = EnvelopePrefix + "x1:"
)

// NonceSize is the size of the AES-GCM nonce (12 bytes / 96 bits)
const NonceSize = 12

// TagSize is the size of the GCM authentication tag (16 bytes / 128 bits)
const TagSize = 16

// KeySize is the size of the AES-256 key (32 bytes / 256 bits)
const KeySize = 32

// SaltSize is the size of the salt for key derivation (32 bytes)
const SaltSize = 32

// PBKDF2Iterations follows the OWASP 2023 recommendation for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// legacyMinLength is the shortest untagged string treated as ciphertext.
const legacyMinLength = 16

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidKey is returned for keys that are not KeySize bytes.
	ErrInvalidKey = errors.New("invalid encryption key length")

	// ErrInvalidCiphertext is returned when a value is not a well-formed envelope.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed: data may be tampered or key mismatch")

	// ErrCipherUnavailable is returned when AES-GCM cannot be initialised
	// and degraded mode is not allowed.
	ErrCipherUnavailable = errors.New("authenticated encryption unavailable")
)

// =============================================================================
// KEY MATERIAL
// =============================================================================

// GenerateMasterKey generates a random 256-bit key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a random salt for DeriveKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives an encryption key from a passphrase using PBKDF2-SHA-256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// EncodeKey returns the storage form of a key (standard base64).
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses the storage form of a key.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		ZeroBytes(key)
		return nil, ErrInvalidKey
	}
	return key, nil
}

// =============================================================================
// CIPHER
// =============================================================================

// Cipher seals and opens string values under one master key.
//
// A Cipher normally uses AES-256-GCM. When GCM cannot be set up and degraded
// mode is allowed it falls back to a repeating-key XOR, which has no
// authentication and weak confidentiality. Degraded reports that state so
// callers can surface it instead of presenting it as equivalent protection.
type Cipher struct {
	mu       sync.RWMutex
	aead     cipher.AEAD
	key      []byte
	degraded bool
}

// aeadFactory builds the AEAD; swapped in tests to simulate a platform
// without AES-GCM.
var aeadFactory = func(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// NewCipher creates a Cipher for key. If AES-GCM is unavailable and
// allowDegraded is false, ErrCipherUnavailable is returned.
func NewCipher(key []byte, allowDegraded bool) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	c := &Cipher{key: append([]byte(nil), key...)}

	aead, err := aeadFactory(c.key)
	if err != nil {
		if !allowDegraded {
			ZeroBytes(c.key)
			return nil, fmt.Errorf("%w: %v", ErrCipherUnavailable, err)
		}
		c.degraded = true
		return c, nil
	}
	c.aead = aead
	return c, nil
}

// Degraded reports whether the cipher is running without authenticated
// encryption.
func (c *Cipher) Degraded() bool {
	return c.degraded
}

// Encrypt seals plaintext with a fresh random nonce and returns the
// envelope string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.key == nil {
		return "", ErrCipherUnavailable
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	if c.degraded {
		out := append(nonce, xorKeystream([]byte(plaintext), c.key)...)
		return EnvelopeXOR + base64.StdEncoding.EncodeToString(out), nil
	}

	// Seal appends ciphertext|tag to nonce.
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EnvelopeGCM + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Untagged values written
// before envelopes existed are accepted when they decode as base64 to at
// least NonceSize bytes and authenticate under AES-GCM.
func (c *Cipher) Decrypt(value string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.key == nil {
		return "", ErrCipherUnavailable
	}

	switch {
	case strings.HasPrefix(value, EnvelopeGCM):
		data, err := decodeBlob(strings.TrimPrefix(value, EnvelopeGCM), NonceSize+TagSize)
		if err != nil {
			return "", err
		}
		return c.openGCM(data)

	case strings.HasPrefix(value, EnvelopeXOR):
		data, err := decodeBlob(strings.TrimPrefix(value, EnvelopeXOR), NonceSize)
		if err != nil {
			return "", err
		}
		plain := xorKeystream(data[NonceSize:], c.key)
		if !utf8.Valid(plain) {
			return "", ErrDecryptionFailed
		}
		return string(plain), nil

	case strings.HasPrefix(value, EnvelopePrefix):
		return "", fmt.Errorf("%w: unknown envelope version", ErrInvalidCiphertext)
	}

	data, err := decodeBlob(value, NonceSize)
	if err != nil {
		return "", err
	}
	return c.openGCM(data)
}

func (c *Cipher) openGCM(data []byte) (string, error) {
	if c.aead == nil {
		return "", fmt.Errorf("%w: AES-GCM value read in degraded mode", ErrCipherUnavailable)
	}
	if len(data) < NonceSize+TagSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Close zeros the key. The Cipher is unusable afterwards.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ZeroBytes(c.key)
	c.key = nil
	c.aead = nil
}

func decodeBlob(s string, minLen int) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < minLen {
		return nil, ErrInvalidCiphertext
	}
	return data, nil
}

// xorKeystream cycles key over data. It is its own inverse.
func xorKeystream(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// IsEncrypted reports whether value looks like output of Encrypt.
//
// Tagged envelopes are recognised exactly. Untagged values fall back to the
// legacy heuristic: at least 16 characters of valid base64 decoding to at
// least NonceSize bytes. That heuristic can misfire on base64-looking
// plaintext, which is why new writes always carry a tag.
func IsEncrypted(value string) bool {
	if strings.HasPrefix(value, EnvelopeGCM) || strings.HasPrefix(value, EnvelopeXOR) {
		return true
	}
	if strings.HasPrefix(value, EnvelopePrefix) || len(value) < legacyMinLength {
		return false
	}
	data, err := base64.StdEncoding.DecodeString(value)
	return err == nil && len(data) >= NonceSize
}
