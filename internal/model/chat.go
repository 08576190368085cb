// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// DefaultChatTitle is the title of a chat before its first message.
const DefaultChatTitle = "New chat"

// DefaultTitle returns DefaultChatTitle in the given language.
func DefaultTitle(lang string) string {
	if lang == "ru" {
		return "Новый чат"
	}
	return DefaultChatTitle
}

// TitleMaxRunes is how much of the first user message becomes the title.
const TitleMaxRunes = 50

// Chat is the metadata kept in the chat index.
type Chat struct {
	// ID is the creation time in epoch milliseconds, as a decimal string.
	ID    string `json:"id"`
	Title string `json:"title"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Created returns CreatedAt as a time.Time.
func (c Chat) Created() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

// Updated returns UpdatedAt as a time.Time.
func (c Chat) Updated() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// Attachment is a file sent along with a user message. Its text is inlined
// into the prompt; the bytes are never persisted.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
}
