// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router picks the assistant persona for an outgoing message.
//
// Messages are matched case-insensitively against an ordered list of
// keyword patterns. The first category that matches wins; anything else
// goes to the general business consultant.
//
// Order of precedence:
//
//	accountant > lawyer > hr > sales > marketing > designer > consultant
//
// # Usage
//
//	role := router.Detect(text)
//	system := router.SystemPrompt(basePrompt, router.PersonaFor(role, "en"))
package router
