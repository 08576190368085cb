// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package securestore implements the encrypted key/value store every other
// bizcopilot component persists through.
//
// Small values go to the platform enclave (security.KeyStore) when one is
// available. Everything else is sealed with AES-256-GCM under a single master
// key and written to the general kvstore.Backend. Reads check the enclave
// first, then decrypt from the general store, then return legacy plaintext
// as-is.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/bizcopilot/internal/kvstore"
	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/security"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MasterKeyName is the enclave item holding the base64 master key.
	MasterKeyName = "encryption_master_key"

	// internalPrefix marks general-store keys owned by the store itself.
	internalPrefix = "__encryption_"

	// fallbackKeyName holds the master key when the enclave cannot.
	fallbackKeyName = internalPrefix + "key_" + MasterKeyName

	// saltKeyName holds the PBKDF2 salt in passphrase mode.
	saltKeyName = internalPrefix + "salt"

	// DefaultMaxSecureSize is the largest value (bytes) kept in the enclave.
	DefaultMaxSecureSize = 2048

	// DefaultBulkPrefix marks keys that always go to the general store.
	DefaultBulkPrefix = "@"
)

// Key sources reported by Status.
const (
	KeySourceNone       = "none"
	KeySourceEnclave    = "enclave"
	KeySourceGeneral    = "general"
	KeySourcePassphrase = "passphrase"
)

var (
	// ErrUnreadable is returned when a tagged value fails to decrypt.
	ErrUnreadable = errors.New("stored value cannot be decrypted")

	// ErrReservedKey rejects keys that would collide with the master key item.
	ErrReservedKey = errors.New("key is reserved for the store")

	enclaveUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// Enclave is the most trusted storage for small secrets.
// security.FileKeyStore satisfies it.
type Enclave interface {
	Available() bool
	Store(name string, secret []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
}

// =============================================================================
// STORE
// =============================================================================

// Store is the encrypted key/value store. It is safe for concurrent use.
type Store struct {
	backend       kvstore.Backend
	enclave       Enclave
	logger        *zap.Logger
	maxSecureSize int
	bulkPrefix    string
	allowDegraded bool
	passphrase    string

	keyLoad   singleflight.Group
	mu        sync.RWMutex
	cipher    *security.Cipher
	keySource string
}

// Option configures a Store.
type Option func(*Store)

// WithEnclave sets the secure enclave. Without one every value is encrypted
// into the general store.
func WithEnclave(e Enclave) Option {
	return func(s *Store) { s.enclave = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithMaxSecureSize sets the enclave size ceiling in bytes.
func WithMaxSecureSize(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxSecureSize = n
		}
	}
}

// WithBulkPrefix sets the key prefix that bypasses the enclave.
func WithBulkPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.bulkPrefix = p
		}
	}
}

// WithAllowDegraded permits the XOR fallback cipher.
func WithAllowDegraded(allow bool) Option {
	return func(s *Store) { s.allowDegraded = allow }
}

// WithPassphrase derives the master key from passphrase instead of
// generating and persisting a random one.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) { s.passphrase = passphrase }
}

// New creates a Store over backend.
func New(backend kvstore.Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		logger:        zap.NewNop(),
		maxSecureSize: DefaultMaxSecureSize,
		bulkPrefix:    DefaultBulkPrefix,
		keySource:     KeySourceNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// enclaveKey maps a logical key to its enclave item name: the bulk prefix is
// dropped and characters outside [a-zA-Z0-9._-] become underscores.
func (s *Store) enclaveKey(key string) string {
	return enclaveUnsafe.ReplaceAllString(strings.TrimPrefix(key, s.bulkPrefix), "_")
}

func (s *Store) enclaveAvailable() bool {
	return s.enclave != nil && s.enclave.Available()
}

// enclaveEligible reports whether key may live in the enclave at all.
func (s *Store) enclaveEligible(key string) bool {
	return s.enclaveAvailable() && !strings.HasPrefix(key, s.bulkPrefix)
}

func (s *Store) checkKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.HasPrefix(key, internalPrefix) || s.enclaveKey(key) == MasterKeyName {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.checkKey(key); err != nil {
		return err
	}

	if s.enclaveEligible(key) && len(value) <= s.maxSecureSize {
		err := s.enclave.Store(s.enclaveKey(key), []byte(value))
		if err == nil {
			// A previous oversized value may still sit in the general store.
			if derr := s.backend.Delete(ctx, key); derr != nil {
				s.logger.Warn("failed to remove superseded general copy", zap.String("key", key), zap.Error(derr))
			}
			return nil
		}
		s.logger.Warn("enclave write failed, using encrypted general store", zap.String("key", key), zap.Error(err))
	}

	c, err := s.loadCipher(ctx)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	sealed, err := c.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, sealed); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	// Reads check the enclave first, so a stale small copy would shadow this.
	if s.enclaveEligible(key) {
		if err := s.enclave.Delete(s.enclaveKey(key)); err != nil {
			s.logger.Warn("failed to remove superseded enclave copy", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Get returns the value for key. Missing keys return ("", false, nil).
// Values that were never encrypted are returned as stored.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkKey(key); err != nil {
		return "", false, err
	}
	if s.enclaveEligible(key) {
		v, err := s.enclave.Retrieve(s.enclaveKey(key))
		switch {
		case err == nil:
			return string(v), true, nil
		case !errors.Is(err, security.ErrSecretNotFound):
			s.logger.Debug("enclave read failed, trying general store", zap.String("key", key), zap.Error(err))
		}
	}

	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}

	if !security.IsEncrypted(raw) {
		s.logger.Debug("unencrypted value found, consider running migrate", zap.String("key", key))
		return raw, true, nil
	}

	c, err := s.loadCipher(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	plain, err := c.Decrypt(raw)
	if err == nil {
		return plain, true, nil
	}

	if strings.HasPrefix(raw, security.EnvelopePrefix) {
		s.logger.Error("failed to decrypt value", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("%w: %s: %v", ErrUnreadable, key, err)
	}

	// Untagged base64-looking plaintext: the legacy heuristic misfired.
	s.logger.Warn("value looked encrypted but is not, returning as stored", zap.String("key", key))
	return raw, true, nil
}

// Remove deletes key from both the enclave and the general store.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	if s.enclaveEligible(key) {
		if err := s.enclave.Delete(s.enclaveKey(key)); err != nil {
			s.logger.Warn("enclave delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Clear empties the general store. Enclave items are left in place.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}

	// A fallback-stored master key went with the rest; reload on next use.
	s.mu.Lock()
	if s.keySource != KeySourceEnclave && s.cipher != nil {
		s.cipher.Close()
		s.cipher = nil
		s.keySource = KeySourceNone
	}
	s.mu.Unlock()
	return nil
}

// Keys lists the logical keys in the general store. Internal keys are
// omitted. On error an empty slice is returned with the error.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	all, err := s.backend.Keys(ctx)
	if err != nil {
		s.logger.Error("failed to list keys", zap.Error(err))
		return []string{}, fmt.Errorf("failed to list keys: %w", err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if !strings.HasPrefix(k, internalPrefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// IsEncrypted reports whether value is in the store's encrypted format.
func IsEncrypted(value string) bool {
	return security.IsEncrypted(value)
}

// Migrate re-encrypts plaintext values left in the general store by older
// builds. It returns the number of values rewritten.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	c, err := s.loadCipher(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, key := range keys {
		raw, ok, err := s.backend.Get(ctx, key)
		if err != nil {
			return migrated, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok || strings.HasPrefix(raw, security.EnvelopePrefix) {
			continue
		}
		plain := raw
		if security.IsEncrypted(raw) {
			if p, err := c.Decrypt(raw); err == nil {
				plain = p
			}
		}
		sealed, err := c.Encrypt(plain)
		if err != nil {
			return migrated, fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		if err := s.backend.Set(ctx, key, sealed); err != nil {
			return migrated, fmt.Errorf("failed to write %s: %w", key, err)
		}
		migrated++
	}
	if migrated > 0 {
		s.logger.Info("migrated legacy values", zap.Int("count", migrated))
	}
	return migrated, nil
}

// Close zeros the cached key and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.cipher != nil {
		s.cipher.Close()
		s.cipher = nil
	}
	s.mu.Unlock()
	return s.backend.Close()
}
