// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// tokens returns text whose estimate is exactly n tokens.
func tokens(n int) string {
	return strings.Repeat("a", n*4)
}

func history(n, tokensEach int) []model.Message {
	msgs := make([]model.Message, n)
	for i := range msgs {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = model.Message{
			ID:      fmt.Sprintf("%d", i+1),
			Role:    role,
			Content: fmt.Sprintf("%02d", i) + tokens(tokensEach)[2:],
		}
	}
	return msgs
}

func TestNewTrimmerDefaults(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{})
	if tr.MaxTokens() != DefaultMaxTokens || tr.MaxMessages() != DefaultMaxMessages {
		t.Errorf("got %d/%d, want defaults", tr.MaxTokens(), tr.MaxMessages())
	}
	if NewTrimmer(nil).MaxTokens() != DefaultMaxTokens {
		t.Error("nil config should use defaults")
	}
}

func TestTrimUnderBudgetKeepsWindow(t *testing.T) {
	tr := NewTrimmer(nil)
	h := history(14, 50)

	res := tr.Trim("system", h, "question")

	if len(res.History) != 10 {
		t.Fatalf("kept %d messages, want the 10-message window", len(res.History))
	}
	for i, m := range res.History {
		if m.Content != h[4+i].Content {
			t.Errorf("history[%d] out of order", i)
		}
	}
	if res.WasTrimmed() || res.Overflowed {
		t.Error("nothing should be trimmed under budget")
	}

	msgs := res.Messages
	if msgs[0].Role != model.RoleSystem || msgs[0].Content != "system" {
		t.Errorf("first message = %+v", msgs[0])
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleUser || last.Content != "question" {
		t.Errorf("last message = %+v", last)
	}
	if len(msgs) != 12 {
		t.Errorf("dialogue length = %d, want 12", len(msgs))
	}
}

func TestTrimOverBudgetKeepsSuffix(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{MaxTokens: 1000, MaxMessages: 10})
	h := history(10, 300)

	res := tr.Trim("", h, "q")

	// 3 x 300 fits in 1000, a fourth does not.
	if len(res.History) != 3 {
		t.Fatalf("kept %d, want 3", len(res.History))
	}
	for i, m := range res.History {
		if m.Content != h[7+i].Content {
			t.Errorf("history[%d] is not the chronological suffix", i)
		}
	}
	if !res.WasTrimmed() {
		t.Error("WasTrimmed() should be true")
	}
	if res.TokensUsed != 900 {
		t.Errorf("TokensUsed = %d, want 900", res.TokensUsed)
	}
}

func TestTrimStopsAtFirstMisfit(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{MaxTokens: 100, MaxMessages: 10})
	h := []model.Message{
		{ID: "1", Role: model.RoleUser, Content: tokens(10)},
		{ID: "2", Role: model.RoleAssistant, Content: tokens(500)},
		{ID: "3", Role: model.RoleUser, Content: tokens(10)},
	}

	res := tr.Trim("", h, "q")
	if len(res.History) != 1 || res.History[0].Content != h[2].Content {
		t.Errorf("expected only the newest message, got %d", len(res.History))
	}
}

func TestTrimCountsSystemPrompt(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{MaxTokens: 100, MaxMessages: 10})
	h := history(4, 20)

	res := tr.Trim(tokens(50), h, "q")
	if len(res.History) != 2 {
		t.Errorf("kept %d, want 2 after the 50-token system prompt", len(res.History))
	}
}

func TestTrimUserOverflow(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{MaxTokens: 1000, MaxMessages: 10})
	h := history(6, 100)

	res := tr.Trim("", h, tokens(600))

	if !res.Overflowed {
		t.Fatal("expected overflow")
	}
	if len(res.History) != 2 {
		t.Fatalf("kept %d, want 2", len(res.History))
	}
	if res.History[1].Content != h[5].Content || res.History[0].Content != h[4].Content {
		t.Error("overflow should keep the two most recent messages")
	}
	if last := res.Messages[len(res.Messages)-1]; last.Content != tokens(600) {
		t.Error("user message must never be dropped")
	}
	if res.TokensUsed != 200 {
		t.Errorf("TokensUsed = %d, want 200", res.TokensUsed)
	}
}

func TestTrimWithinOverflowAllowance(t *testing.T) {
	tr := NewTrimmer(&TrimmerConfig{MaxTokens: 1000, MaxMessages: 10})
	h := history(5, 100)

	// 500 history + 600 user = 1100, exactly 110% of the budget.
	res := tr.Trim("", h, tokens(600))
	if res.Overflowed || len(res.History) != 5 {
		t.Errorf("overflowed=%v kept=%d, want no overflow", res.Overflowed, len(res.History))
	}
}

func TestTrimSkipsSystemAndPlaceholders(t *testing.T) {
	tr := NewTrimmer(nil)
	h := []model.Message{
		{ID: "s", Role: model.RoleSystem, Content: "old system"},
		{ID: "1", Role: model.RoleUser, Content: "hi"},
		{ID: model.TempID("9"), Role: model.RoleAssistant, Content: "partial"},
	}

	res := tr.Trim("sys", h, "q")
	if len(res.History) != 1 || res.History[0].Content != "hi" {
		t.Errorf("unexpected history %+v", res.History)
	}
	if res.History[0].ID != "" {
		t.Error("dialogue messages should carry only role and content")
	}
}

func TestBuildEmptyHistory(t *testing.T) {
	msgs := NewTrimmer(nil).Build("sys", nil, "Hello")
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[1].Content != "Hello" {
		t.Errorf("user content = %q", msgs[1].Content)
	}
}

func BenchmarkTrim(b *testing.B) {
	tr := NewTrimmer(nil)
	h := history(200, 120)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.Trim("system prompt", h, "question")
	}
}
