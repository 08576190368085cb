// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build unix

package security

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// On Unix the secret files rely on filesystem permissions: 0700 directory,
// 0600 files, both owned by the effective user.
const platformAvailable = true

func platformProtect(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func platformUnprotect(data []byte) ([]byte, error) {
	return data, nil
}

// checkDirSecurity rejects a key directory that group or others can access,
// or that belongs to another user.
func checkDirSecurity(dir string) error {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return fmt.Errorf("failed to stat key directory: %w", err)
	}
	if mode := st.Mode & 0777; mode&0077 != 0 {
		return fmt.Errorf("key directory %s has insecure permissions (%o), fix with: chmod 700 %s", dir, mode, dir)
	}
	if int(st.Uid) != unix.Geteuid() {
		return fmt.Errorf("key directory %s is owned by uid %d, expected %d", dir, st.Uid, unix.Geteuid())
	}
	return nil
}

func checkFileSecurity(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("failed to stat key file: %w", err)
	}
	if mode := st.Mode & 0777; mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions (%o), fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}
