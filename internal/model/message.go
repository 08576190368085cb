// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE IDS
// =============================================================================

const (
	// TempIDPrefix marks in-flight placeholders.
	TempIDPrefix = "temp-"

	// FinalIDPrefix marks persisted assistant answers.
	FinalIDPrefix = "msg-"
)

// TempID returns the placeholder id for a job.
func TempID(jobID string) string {
	return TempIDPrefix + jobID
}

// FinalID returns the stable persisted id for a job's answer.
func FinalID(jobID string) string {
	return FinalIDPrefix + jobID
}

// IsTemporary reports whether id belongs to an in-flight placeholder.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one turn of a chat.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Timestamp is epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(id string, role Role, content string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Time returns Timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// IsEmpty reports whether the message has no visible content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == ""
}

// Preview returns the first maxLen runes of the content on one line.
func (m Message) Preview(maxLen int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	if utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	return string([]rune(content)[:maxLen]) + "..."
}

// EstimateTokens approximates the token count as one token per four runes,
// rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateTokens estimates the token count of the message content.
func (m Message) EstimateTokens() int {
	return EstimateTokens(m.Content)
}

// CloneMessages returns a copy of msgs that shares no backing array.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
