// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !unix && !windows

package security

// Platforms without owner-only files or DPAPI have no trusted backend; the
// store falls back to encrypted values in the general key/value area.
const platformAvailable = false

func platformProtect(data []byte) ([]byte, error)   { return nil, ErrKeyStoreUnavailable }
func platformUnprotect(data []byte) ([]byte, error) { return nil, ErrKeyStoreUnavailable }
func checkDirSecurity(string) error                 { return ErrKeyStoreUnavailable }
func checkFileSecurity(string) error                { return ErrKeyStoreUnavailable }
