// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

package security

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// On Windows secret files are sealed with DPAPI under the current user's
// logon credentials.
const platformAvailable = true

// vaultEntropy binds sealed secrets to this application, so another
// program running as the same user cannot unseal them without it.
var vaultEntropy = []byte("bizcopilot-vault-v1")

func platformProtect(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	var out windows.DataBlob
	err := windows.CryptProtectData(blob(data), nil, blob(vaultEntropy), 0, nil,
		windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, fmt.Errorf("CryptProtectData failed: %w", err)
	}
	return takeBlob(&out), nil
}

func platformUnprotect(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	var out windows.DataBlob
	err := windows.CryptUnprotectData(blob(data), nil, blob(vaultEntropy), 0, nil,
		windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, fmt.Errorf("CryptUnprotectData failed: %w", err)
	}
	return takeBlob(&out), nil
}

// NTFS ACLs on the profile directory protect the files; DPAPI protects the
// contents.
func checkDirSecurity(string) error  { return nil }
func checkFileSecurity(string) error { return nil }

// blob wraps b without copying. b must be non-empty.
func blob(b []byte) *windows.DataBlob {
	return &windows.DataBlob{Size: uint32(len(b)), Data: &b[0]}
}

// takeBlob copies a DPAPI-allocated buffer into Go memory, zeroes it and
// releases it.
func takeBlob(b *windows.DataBlob) []byte {
	if b.Data == nil {
		return []byte{}
	}
	src := unsafe.Slice(b.Data, b.Size)
	out := append([]byte(nil), src...)
	ZeroBytes(src)
	_, _ = windows.LocalFree(windows.Handle(unsafe.Pointer(b.Data)))
	return out
}
