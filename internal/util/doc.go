// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across bizcopilot.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation to a total rune budget
//   - Ellipsize: keep a rune prefix and mark the cut with "..."
//   - TruncateWidth, StringWidth: display-width aware helpers (go-runewidth)
//
// Identifiers:
//   - IDClock: strictly increasing millisecond ids for chats and jobs
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title := util.Ellipsize(firstMessage, 50)
//	id := clock.Next()
//	err := util.AtomicWriteFile(path, data, 0600)
package util
