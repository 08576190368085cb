// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Ellipsis marks a truncated string.
const Ellipsis = "..."

// UNICODE: all helpers count runes, never bytes, so multi-byte text such as
// Cyrillic titles is never cut mid-character.

// TruncateRunes truncates s so the result, ellipsis included, is at most
// maxRunes runes long.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= len(Ellipsis) {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-len(Ellipsis)]) + Ellipsis
}

// Ellipsize keeps the first n runes of s and appends "..." when anything was
// cut. Unlike TruncateRunes the ellipsis is not counted against n.
func Ellipsize(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + Ellipsis
}

// TruncateWidth truncates s to a maximum terminal display width, treating
// wide (CJK, emoji) characters as two columns.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= len(Ellipsis) {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, Ellipsis)
}

// StringWidth returns the display width of s.
func StringWidth(s string) int {
	return runewidth.StringWidth(s)
}

// RuneLen returns the number of runes in s.
func RuneLen(s string) int {
	return len([]rune(s))
}

// SingleLine collapses newlines and surrounding whitespace so s can be shown
// in one row of a list.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
