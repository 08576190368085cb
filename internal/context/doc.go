// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package context builds the dialogue sent to the model for each turn.
//
// It trims chat history to a token budget and inlines attached files into
// the outgoing user message.
//
// # Key Types
//
//   - Trimmer: greedy newest-first history selection under a token budget
//   - Expander: inlines attachments and produces the display text
//   - Extractor: turns an attachment into plain text
//
// # Usage
//
// Build the dialogue for a new user message:
//
//	trimmer := context.NewTrimmer(&context.TrimmerConfig{MaxTokens: 3500, MaxMessages: 10})
//	dialogue := trimmer.Build(systemPrompt, history, userContent)
//
// Inline attachments:
//
//	exp := context.NewExpander(context.NewTextExtractor(10000, "en"), "en")
//	result := exp.Expand(ctx, text, attachments)
//	// result.ModelContent goes to the model, result.DisplayContent is persisted
package context
