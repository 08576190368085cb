// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// TRIMMER CONFIGURATION
// =============================================================================

const (
	// DefaultMaxTokens is the token budget for system prompt plus history.
	DefaultMaxTokens = 3500

	// DefaultMaxMessages is the size of the recent-history window.
	DefaultMaxMessages = 10

	// overflowRatio allows the user message to exceed the budget by 10%
	// before history is cut back further.
	overflowRatio = 1.1

	// overflowKeep is the history kept when the user message overflows.
	overflowKeep = 2
)

// TrimmerConfig holds configuration for the dialogue trimmer.
type TrimmerConfig struct {
	// MaxTokens is the estimated-token budget (default: 3500)
	MaxTokens int

	// MaxMessages is how many recent messages are considered (default: 10)
	MaxMessages int
}

// DefaultTrimmerConfig returns default configuration.
func DefaultTrimmerConfig() *TrimmerConfig {
	return &TrimmerConfig{
		MaxTokens:   DefaultMaxTokens,
		MaxMessages: DefaultMaxMessages,
	}
}

// Trimmer selects which history messages fit in the next request.
type Trimmer struct {
	maxTokens   int
	maxMessages int
}

// NewTrimmer creates a trimmer. Zero values fall back to the defaults.
func NewTrimmer(config *TrimmerConfig) *Trimmer {
	if config == nil {
		config = DefaultTrimmerConfig()
	}
	t := &Trimmer{maxTokens: config.MaxTokens, maxMessages: config.MaxMessages}
	if t.maxTokens <= 0 {
		t.maxTokens = DefaultMaxTokens
	}
	if t.maxMessages <= 0 {
		t.maxMessages = DefaultMaxMessages
	}
	return t
}

// MaxTokens returns the configured budget.
func (t *Trimmer) MaxTokens() int { return t.maxTokens }

// MaxMessages returns the configured window size.
func (t *Trimmer) MaxMessages() int { return t.maxMessages }

// =============================================================================
// TRIMMING
// =============================================================================

// TrimResult describes a built dialogue.
type TrimResult struct {
	// Messages is [system, ...history, user]
	Messages []model.Message

	// History is the included history subset in chronological order
	History []model.Message

	// Window is the number of recent messages considered
	Window int

	// TokensUsed is the estimate for system prompt plus included history
	TokensUsed int

	// UserTokens is the estimate for the outgoing user message
	UserTokens int

	// Overflowed is set when history was cut back to make room for the
	// user message
	Overflowed bool
}

// WasTrimmed reports whether any windowed history was left out.
func (r TrimResult) WasTrimmed() bool {
	return len(r.History) < r.Window
}

// Trim builds the dialogue for user on top of history.
//
// The system prompt's estimate is counted first. The last MaxMessages
// history entries are walked newest to oldest and included while the
// running total stays within the budget, stopping at the first that does
// not fit. If the user message would then push the total past 110% of the
// budget, only the two most recent included messages are kept. The user
// message itself is never dropped.
func (t *Trimmer) Trim(system string, history []model.Message, user string) TrimResult {
	window := recent(history, t.maxMessages)

	used := model.EstimateTokens(system)
	start := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		n := window[i].EstimateTokens()
		if used+n > t.maxTokens {
			break
		}
		used += n
		start = i
	}
	included := window[start:]

	res := TrimResult{
		Window:     len(window),
		TokensUsed: used,
		UserTokens: model.EstimateTokens(user),
	}

	if float64(used+res.UserTokens) > float64(t.maxTokens)*overflowRatio && len(included) > overflowKeep {
		for _, m := range included[:len(included)-overflowKeep] {
			res.TokensUsed -= m.EstimateTokens()
		}
		included = included[len(included)-overflowKeep:]
		res.Overflowed = true
	}

	res.History = make([]model.Message, len(included))
	for i, m := range included {
		res.History[i] = model.Message{Role: m.Role, Content: m.Content}
	}

	res.Messages = make([]model.Message, 0, len(res.History)+2)
	res.Messages = append(res.Messages, model.Message{Role: model.RoleSystem, Content: system})
	res.Messages = append(res.Messages, res.History...)
	res.Messages = append(res.Messages, model.Message{Role: model.RoleUser, Content: user})
	return res
}

// Build returns only the assembled dialogue.
func (t *Trimmer) Build(system string, history []model.Message, user string) []model.Message {
	return t.Trim(system, history, user).Messages
}

// recent returns the last n conversational messages. System entries and
// in-flight placeholders are skipped.
func recent(history []model.Message, n int) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, m := range history {
		if m.Role == model.RoleSystem || model.IsTemporary(m.ID) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
