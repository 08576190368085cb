// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package securestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/security"
)

// Status describes how the store is protecting data.
type Status struct {
	EnclaveAvailable bool   `json:"enclave_available"`
	KeySource        string `json:"key_source"`
	Degraded         bool   `json:"degraded"`
}

// Status loads the master key if needed and reports the store's state.
func (s *Store) Status(ctx context.Context) (Status, error) {
	c, err := s.loadCipher(ctx)
	if err != nil {
		return Status{EnclaveAvailable: s.enclaveAvailable(), KeySource: KeySourceNone}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		EnclaveAvailable: s.enclaveAvailable(),
		KeySource:        s.keySource,
		Degraded:         c.Degraded(),
	}, nil
}

// Degraded reports whether values are being written with the
// unauthenticated fallback cipher. It is false until the key is loaded.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher != nil && s.cipher.Degraded()
}

// loadCipher returns the cached cipher, loading the master key once.
// Concurrent first callers share a single load.
func (s *Store) loadCipher(ctx context.Context) (*security.Cipher, error) {
	s.mu.RLock()
	c := s.cipher
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	v, err, _ := s.keyLoad.Do("master-key", func() (interface{}, error) {
		s.mu.RLock()
		c := s.cipher
		s.mu.RUnlock()
		if c != nil {
			return c, nil
		}

		key, source, err := s.loadOrCreateKey(ctx)
		if err != nil {
			return nil, err
		}
		defer security.ZeroBytes(key)

		c, err = security.NewCipher(key, s.allowDegraded)
		if err != nil {
			return nil, err
		}
		if c.Degraded() {
			s.logger.Warn("AES-GCM unavailable, store is running in DEGRADED mode without authenticated encryption")
		}

		s.mu.Lock()
		s.cipher = c
		s.keySource = source
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("encryption key unavailable: %w", err)
	}
	return v.(*security.Cipher), nil
}

// loadOrCreateKey returns the persisted master key. A new key is generated
// only when every store reports it absent; any other read failure is
// returned so an existing key is never overwritten.
func (s *Store) loadOrCreateKey(ctx context.Context) ([]byte, string, error) {
	if s.passphrase != "" {
		key, err := s.passphraseKey(ctx)
		return key, KeySourcePassphrase, err
	}

	var enclaveErr error
	if s.enclaveAvailable() {
		raw, err := s.enclave.Retrieve(MasterKeyName)
		switch {
		case err == nil:
			key, err := security.DecodeKey(string(raw))
			if err != nil {
				return nil, "", fmt.Errorf("enclave master key is corrupt: %w", err)
			}
			return key, KeySourceEnclave, nil
		case !errors.Is(err, security.ErrSecretNotFound):
			s.logger.Warn("enclave key read failed, trying general store", zap.Error(err))
			enclaveErr = err
		}
	}

	encoded, ok, err := s.backend.Get(ctx, fallbackKeyName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read master key: %w", err)
	}
	if ok {
		key, err := security.DecodeKey(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("stored master key is corrupt: %w", err)
		}
		return key, KeySourceGeneral, nil
	}
	if enclaveErr != nil {
		return nil, "", fmt.Errorf("failed to read master key from enclave: %w", enclaveErr)
	}

	key, err := security.GenerateMasterKey()
	if err != nil {
		return nil, "", err
	}
	encoded = security.EncodeKey(key)

	if s.enclaveAvailable() {
		err = s.enclave.Store(MasterKeyName, []byte(encoded))
		if err == nil {
			s.logger.Info("generated master key", zap.String("source", KeySourceEnclave))
			return key, KeySourceEnclave, nil
		}
		s.logger.Warn("enclave key write failed, using general store", zap.Error(err))
	}

	if err := s.backend.Set(ctx, fallbackKeyName, encoded); err != nil {
		security.ZeroBytes(key)
		return nil, "", fmt.Errorf("failed to persist master key: %w", err)
	}
	s.logger.Info("generated master key", zap.String("source", KeySourceGeneral))
	return key, KeySourceGeneral, nil
}

func (s *Store) passphraseKey(ctx context.Context) ([]byte, error) {
	encoded, ok, err := s.backend.Get(ctx, saltKeyName)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	var salt []byte
	if ok {
		salt, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(salt) != security.SaltSize {
			return nil, fmt.Errorf("stored salt is corrupt")
		}
	} else {
		salt, err = security.GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := s.backend.Set(ctx, saltKeyName, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("failed to persist salt: %w", err)
		}
	}
	return security.DeriveKey(s.passphrase, salt), nil
}
