// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bytes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	c, err := NewCipher(key, false)
	require.NoError(t, err)
	return c
}

// withoutGCM simulates a platform where AES-GCM cannot be initialised.
func withoutGCM(t *testing.T) {
	t.Helper()
	orig := aeadFactory
	aeadFactory = func([]byte) (cipher.AEAD, error) {
		return nil, errors.New("no AES on this platform")
	}
	t.Cleanup(func() { aeadFactory = orig })
}

// =============================================================================
// KEY MATERIAL TESTS
// =============================================================================

func TestEncryption_KeyDerivation(t *testing.T) {
	salt := []byte("test_salt_value!")

	key1 := DeriveKey("passphrase", salt)
	key2 := DeriveKey("passphrase", salt)
	require.True(t, bytes.Equal(key1, key2), "same passphrase/salt should derive same key")
	require.Len(t, key1, KeySize)

	key3 := DeriveKey("passphrase", []byte("another_salt____"))
	require.False(t, bytes.Equal(key1, key3), "different salt should derive different key")
}

func TestEncryption_KeyEncoding(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	decoded, err := DecodeKey(EncodeKey(key))
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = DecodeKey("%%%")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryption_InvalidKeyLength(t *testing.T) {
	_, err := NewCipher(make([]byte, 16), true)
	require.ErrorIs(t, err, ErrInvalidKey)
}

// =============================================================================
// ROUND TRIP TESTS
// =============================================================================

func TestEncryption_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plaintext := range []string{
		"",
		"Hello",
		`[{"id":"1700000000000","title":"New chat"}]`,
		"Привет, как оформить ИП?",
		strings.Repeat("x", 64*1024),
	} {
		enc, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(enc, EnvelopeGCM))
		require.True(t, IsEncrypted(enc))

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		require.Equal(t, plaintext, dec)
	}
}

func TestEncryption_FreshNonce(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "encrypting twice must yield different ciphertext")

	rawA, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(a, EnvelopeGCM))
	rawB, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(b, EnvelopeGCM))
	require.NotEqual(t, rawA[:NonceSize], rawB[:NonceSize])
	require.Len(t, rawA, NonceSize+len("same input")+TagSize)
}

func TestEncryption_TamperDetected(t *testing.T) {
	c := newTestCipher(t)

	enc, err := c.Encrypt("balance: 100")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, EnvelopeGCM))
	raw[len(raw)-1] ^= 0xFF
	tampered := EnvelopeGCM + base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryption_WrongKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(enc)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryption_LegacyUntagged(t *testing.T) {
	c := newTestCipher(t)

	enc, err := c.Encrypt("from an older build")
	require.NoError(t, err)
	legacy := strings.TrimPrefix(enc, EnvelopeGCM)

	require.True(t, IsEncrypted(legacy))
	dec, err := c.Decrypt(legacy)
	require.NoError(t, err)
	require.Equal(t, "from an older build", dec)
}

func TestEncryption_InvalidCiphertext(t *testing.T) {
	c := newTestCipher(t)

	for _, value := range []string{
		"plain text value",
		EnvelopeGCM + "!!!",
		EnvelopeGCM + base64.StdEncoding.EncodeToString([]byte("tiny")),
		EnvelopePrefix + "v9:abcd",
	} {
		_, err := c.Decrypt(value)
		require.ErrorIs(t, err, ErrInvalidCiphertext, value)
	}
}

// =============================================================================
// FORMAT DETECTION TESTS
// =============================================================================

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"short", false},
		{"", false},
		{"true", false},
		{"dark", false},
		{"1700000000000", false},
		{"not base64 but long enough!", false},
		{base64.StdEncoding.EncodeToString(make([]byte, 8)), false},
		{base64.StdEncoding.EncodeToString(make([]byte, 12)), true},
		{EnvelopeGCM + "anything", true},
		{EnvelopeXOR + "anything", true},
		{EnvelopePrefix + "v9:abcdefghijklmnop", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsEncrypted(tt.value), "IsEncrypted(%q)", tt.value)
	}
}

// =============================================================================
// DEGRADED MODE TESTS
// =============================================================================

func TestEncryption_DegradedMode(t *testing.T) {
	withoutGCM(t)
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	_, err = NewCipher(key, false)
	require.ErrorIs(t, err, ErrCipherUnavailable)

	c, err := NewCipher(key, true)
	require.NoError(t, err)
	require.True(t, c.Degraded())

	enc, err := c.Encrypt("degraded but writable")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(enc, EnvelopeXOR))

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "degraded but writable", dec)
}

func TestEncryption_XORReadableAfterUpgrade(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	orig := aeadFactory
	aeadFactory = func([]byte) (cipher.AEAD, error) { return nil, errors.New("unavailable") }
	degraded, err := NewCipher(key, true)
	aeadFactory = orig
	require.NoError(t, err)

	enc, err := degraded.Encrypt("written while degraded")
	require.NoError(t, err)

	c, err := NewCipher(key, false)
	require.NoError(t, err)
	require.False(t, c.Degraded())

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "written while degraded", dec)
}

func TestEncryption_Close(t *testing.T) {
	c := newTestCipher(t)
	c.Close()

	_, err := c.Encrypt("x")
	require.ErrorIs(t, err, ErrCipherUnavailable)
}
