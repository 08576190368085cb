// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// KEYSTORE INTERFACE
// =============================================================================

// KeyStore holds small named secrets in the most trusted storage the
// platform offers:
// - Windows: DPAPI-protected files bound to the current user
// - Unix: owner-only files in an owner-only directory
type KeyStore interface {
	// Available reports whether the platform backend can be used at all.
	Available() bool
	// Store writes secret under name, replacing any previous value.
	Store(name string, secret []byte) error
	// Retrieve returns the secret or ErrSecretNotFound.
	Retrieve(name string) ([]byte, error)
	// Delete removes the secret. Missing secrets are not an error.
	Delete(name string) error
	// Exists checks if a secret is stored under name.
	Exists(name string) bool
	// Names lists stored secret names.
	Names() ([]string, error)
}

var (
	// ErrSecretNotFound is returned by Retrieve for unknown names.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidSecretName rejects names that could escape the vault directory.
	ErrInvalidSecretName = errors.New("invalid secret name")

	// ErrKeyStoreUnavailable is returned when the platform has no backend.
	ErrKeyStoreUnavailable = errors.New("secure key store unavailable on this platform")
)

var secretNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const secretSuffix = ".secret"

// ValidSecretName reports whether name can be stored as-is.
func ValidSecretName(name string) bool {
	return secretNamePattern.MatchString(name) && name != "." && name != ".."
}

// =============================================================================
// FILE-BASED KEYSTORE
// =============================================================================

// FileKeyStore keeps one file per secret in dir. Contents pass through the
// platform protector (DPAPI on Windows, identity elsewhere) and files are
// written atomically with 0600 permissions.
type FileKeyStore struct {
	dir string
}

// NewKeyStore returns the platform key store rooted at dir.
func NewKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

// Dir returns the directory holding the secrets.
func (f *FileKeyStore) Dir() string {
	return f.dir
}

// Available reports whether this platform has a protected backend and the
// store was given a directory.
func (f *FileKeyStore) Available() bool {
	return platformAvailable && f.dir != ""
}

func (f *FileKeyStore) path(name string) (string, error) {
	if !ValidSecretName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSecretName, name)
	}
	return filepath.Join(f.dir, name+secretSuffix), nil
}

// Store protects and writes the secret.
func (f *FileKeyStore) Store(name string, secret []byte) error {
	if !f.Available() {
		return ErrKeyStoreUnavailable
	}
	path, err := f.path(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := checkDirSecurity(f.dir); err != nil {
		return err
	}

	protected, err := platformProtect(secret)
	if err != nil {
		return fmt.Errorf("failed to protect secret: %w", err)
	}

	// RELIABILITY: atomic write so a crash never leaves half a key behind
	if err := util.AtomicWriteFileWithDir(path, protected, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Retrieve reads and unprotects the secret.
func (f *FileKeyStore) Retrieve(name string) ([]byte, error) {
	if !f.Available() {
		return nil, ErrKeyStoreUnavailable
	}
	path, err := f.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if err := checkFileSecurity(path); err != nil {
		return nil, err
	}

	secret, err := platformUnprotect(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unprotect secret: %w", err)
	}
	return secret, nil
}

// Delete overwrites the file with zeros before removing it.
func (f *FileKeyStore) Delete(name string) error {
	if !f.Available() {
		return ErrKeyStoreUnavailable
	}
	path, err := f.path(name)
	if err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		_ = os.WriteFile(path, make([]byte, info.Size()), 0600)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists checks if a secret file exists.
func (f *FileKeyStore) Exists(name string) bool {
	path, err := f.path(name)
	if err != nil || !f.Available() {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Names lists the stored secret names in sorted order.
func (f *FileKeyStore) Names() ([]string, error) {
	if !f.Available() {
		return nil, ErrKeyStoreUnavailable
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list key directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), secretSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), secretSuffix))
	}
	sort.Strings(names)
	return names, nil
}
