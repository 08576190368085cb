// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders a chat transcript to a shareable document.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter followed by the turns
//   - JSON: the chat metadata and messages, machine-readable
//   - HTML: a self-contained page in the light or dark theme
//
// # Usage
//
//	t := export.NewTranscript(chat, messages, "en")
//	exp, err := export.New(export.FormatHTML, export.DefaultOptions())
//	data, err := exp.Export(t)
//
// Placeholders of answers still being written are never exported.
package export
