// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/jobs"
	"github.com/jeranaias/bizcopilot/internal/kvstore"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/securestore"
	"github.com/jeranaias/bizcopilot/internal/storage"
)

// fakeStreamer replays chunks, optionally blocking until release is closed.
type fakeStreamer struct {
	chunks  []string
	err     error
	release chan struct{}

	mu   sync.Mutex
	seen [][]model.Message
}

func (f *fakeStreamer) CompleteStream(ctx context.Context, msgs []model.Message, onChunk func(string)) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, msgs)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	var sb strings.Builder
	for _, c := range f.chunks {
		onChunk(c)
		sb.WriteString(c)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (f *fakeStreamer) lastDialogue() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		return nil
	}
	return f.seen[len(f.seen)-1]
}

type notifications struct {
	mu  sync.Mutex
	got []Notification
}

func (n *notifications) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func (n *notifications) list() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.got...)
}

func newTestService(t *testing.T, s jobs.Streamer, opts ...Option) (*Service, *securestore.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := securestore.New(kvstore.NewMemory(), securestore.WithLogger(logger))
	svc := New(store, s, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		_ = store.Close()
	})
	return svc, store
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Jobs().Wait(ctx))
}

// =============================================================================
// SEND AND RECONCILE
// =============================================================================

func TestSendHelloPersistsBothTurns(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"Hi", " there"}}
	svc, _ := newTestService(t, streamer)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	res, err := svc.Send(ctx, chat.ID, "Hello", nil)
	require.NoError(t, err)
	waitIdle(t, svc)

	msgs := svc.Repo().LoadMessages(ctx, chat.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[0].Content)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.Equal(t, model.FinalID(res.JobID), msgs[1].ID)

	job, ok := svc.Jobs().Job(res.JobID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusDone, job.Status)

	dialogue := streamer.lastDialogue()
	require.Len(t, dialogue, 2)
	require.Equal(t, model.RoleSystem, dialogue[0].Role)
	require.Contains(t, dialogue[0].Content, "Your selected role")
	require.Equal(t, model.Message{Role: model.RoleUser, Content: "Hello"}, dialogue[1])
}

func TestSendErrorBecomesAssistantMessage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{err: errors.New("connection refused")}, WithLanguage("ru"))

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	require.Equal(t, "Новый чат", chat.Title)
	view := svc.OpenView(ctx, chat.ID, nil)
	defer view.Close()

	res, err := svc.Send(ctx, chat.ID, "Привет", nil)
	require.NoError(t, err)
	view.Sent(res)
	waitIdle(t, svc)

	msgs := svc.Repo().LoadMessages(ctx, chat.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, jobs.ErrorMessage("ru"), msgs[1].Content)

	job, _ := svc.Jobs().Job(res.JobID)
	require.Equal(t, jobs.StatusError, job.Status)
	require.False(t, view.Loading())
}

func TestRepeatedAnswerIsPersistedOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{chunks: []string{"Hi there"}})

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	res, err := svc.Send(ctx, chat.ID, "Hello", nil)
	require.NoError(t, err)
	waitIdle(t, svc)

	again := event.Answer{ChatID: chat.ID, JobID: res.JobID, TempID: res.TempID, Text: "Hi there "}
	svc.Bus().Publish(again)
	svc.Bus().Publish(again)

	var finals []model.Message
	for _, m := range svc.Repo().LoadMessages(ctx, chat.ID) {
		if m.ID == model.FinalID(res.JobID) {
			finals = append(finals, m)
		}
	}
	require.Len(t, finals, 1)
	require.Equal(t, "Hi there", finals[0].Content)
}

func TestTitleSetOnlyByFirstMessage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{chunks: []string{"ok"}})

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	long := strings.Repeat("a", 60)
	res, err := svc.Send(ctx, chat.ID, long, nil)
	require.NoError(t, err)
	require.True(t, res.Titled)
	waitIdle(t, svc)

	res, err = svc.Send(ctx, chat.ID, "second question", nil)
	require.NoError(t, err)
	require.False(t, res.Titled)
	waitIdle(t, svc)

	got, ok := svc.Repo().GetChat(ctx, chat.ID)
	require.True(t, ok)
	require.Equal(t, strings.Repeat("a", 50)+"...", got.Title)
}

func TestSendRejectsWhilePending(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"done"}, release: make(chan struct{})}
	svc, _ := newTestService(t, streamer)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	_, err = svc.Send(ctx, chat.ID, "first", nil)
	require.NoError(t, err)

	_, err = svc.Send(ctx, chat.ID, "second", nil)
	require.ErrorIs(t, err, jobs.ErrGenerationInProgress)

	close(streamer.release)
	waitIdle(t, svc)

	msgs := svc.Repo().LoadMessages(ctx, chat.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
}

// slowKV delays message writes so concurrent sends overlap.
type slowKV struct {
	storage.KV
	delay time.Duration
}

func (k slowKV) Set(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, storage.MessagesKeyPrefix) {
		time.Sleep(k.delay)
	}
	return k.KV.Set(ctx, key, value)
}

func TestConcurrentSendStoresOnlyWinner(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := securestore.New(kvstore.NewMemory(), securestore.WithLogger(logger))
	streamer := &fakeStreamer{chunks: []string{"answer"}, release: make(chan struct{})}
	svc := New(slowKV{KV: store, delay: 20 * time.Millisecond}, streamer, WithLogger(logger))
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(cctx)
		_ = store.Close()
	})

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Send(ctx, chat.ID, "question", nil)
		}(i)
	}
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, jobs.ErrGenerationInProgress):
			busy++
		default:
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, busy)
	require.Len(t, svc.Repo().LoadMessages(ctx, chat.ID), 1)

	close(streamer.release)
	waitIdle(t, svc)
	require.Len(t, svc.Repo().LoadMessages(ctx, chat.ID), 2)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{})

	_, err := svc.Send(ctx, "missing", "hi", nil)
	require.ErrorIs(t, err, storage.ErrChatNotFound)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, chat.ID, "   ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendInlinesAttachments(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"Looks fine"}}
	svc, _ := newTestService(t, streamer)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	res, err := svc.Send(ctx, chat.ID, "Check my invoice", []model.Attachment{
		{Name: "invoice.txt", MimeType: "text/plain", Data: []byte("total: 100")},
		{Name: "scan.png", MimeType: "image/png", Data: []byte{0x89, 0x50}},
	})
	require.NoError(t, err)
	waitIdle(t, svc)

	require.Equal(t, "Check my invoice\n\n📎 Files: invoice.txt, scan.png", res.UserMessage.Content)
	require.Len(t, res.FileErrors, 1)

	user := streamer.lastDialogue()[1].Content
	require.Contains(t, user, "--- File contents \"invoice.txt\" ---\ntotal: 100\n--- End of file ---")
	require.Contains(t, user, `[Error reading file "scan.png"]`)

	msgs := svc.Repo().LoadMessages(ctx, chat.ID)
	require.Equal(t, res.UserMessage.Content, msgs[0].Content)
}

func TestSendTrimsHistory(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	svc, _ := newTestService(t, streamer)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	var history []model.Message
	for i := 0; i < 20; i++ {
		history = append(history, model.Message{
			ID:      "h" + strings.Repeat("x", i),
			Role:    model.RoleUser,
			Content: "earlier",
		})
	}
	require.NoError(t, svc.Repo().SaveMessages(ctx, chat.ID, history))

	res, err := svc.Send(ctx, chat.ID, "next", nil)
	require.NoError(t, err)
	require.True(t, res.Trimmed)
	waitIdle(t, svc)

	// system + last 10 + user
	require.Len(t, streamer.lastDialogue(), 12)
}

func TestAnswerForDeletedChatIsDropped(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"late"}, release: make(chan struct{})}
	svc, store := newTestService(t, streamer)

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, chat.ID, "question", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Repo().DeleteChat(ctx, chat.ID))
	close(streamer.release)
	waitIdle(t, svc)

	_, ok, err := store.Get(ctx, storage.MessagesKey(chat.ID))
	require.NoError(t, err)
	require.False(t, ok, "deleted chat's messages were recreated")
}

func TestCloseWaitsForAnswers(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"finished"}, release: make(chan struct{})}
	logger := zaptest.NewLogger(t)
	store := securestore.New(kvstore.NewMemory(), securestore.WithLogger(logger))
	defer store.Close()
	svc := New(store, streamer, WithLogger(logger))
	require.NoError(t, svc.Start(ctx))

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, chat.ID, "question", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(streamer.release)
	}()
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(closeCtx))

	msgs := svc.Repo().LoadMessages(ctx, chat.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, "finished", msgs[1].Content)

	_, err = svc.Send(ctx, chat.ID, "after close", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, svc.Start(ctx), ErrClosed)
}

func TestApplyConfig(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamer{})
	svc.ApplyConfig(config.AssistantConfig{
		MaxContextTokens:   100,
		MaxHistoryMessages: 3,
		DedupWindowSecs:    5,
		SystemPrompt:       "custom",
	})

	trimmer, base, window := svc.limits()
	if trimmer.MaxTokens() != 100 || trimmer.MaxMessages() != 3 {
		t.Errorf("trimmer = %d/%d", trimmer.MaxTokens(), trimmer.MaxMessages())
	}
	if base != "custom" || window != 5*time.Second {
		t.Errorf("base=%q window=%v", base, window)
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifiesWhenScreenHidden(t *testing.T) {
	ctx := context.Background()
	notes := &notifications{}
	svc, _ := newTestService(t, &fakeStreamer{chunks: []string{"Hi there"}}, WithNotifier(notes))

	chat, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)

	_, err = svc.Send(ctx, chat.ID, "Hello", nil)
	require.NoError(t, err)
	waitIdle(t, svc)
	require.Empty(t, notes.list(), "visible screen should not notify")

	svc.SetScreenVisible(false)
	other, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, other.ID, "Quarterly plan", nil)
	require.NoError(t, err)
	waitIdle(t, svc)

	got := notes.list()
	require.Len(t, got, 1)
	require.Equal(t, Notification{
		ChatID: other.ID,
		Title:  "Answer ready!",
		Body:   `New answer in chat "Quarterly plan"`,
	}, got[0])

	require.NoError(t, svc.Settings().SetNotificationsEnabled(ctx, false))
	third, err := svc.Repo().CreateChat(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, third.ID, "Another", nil)
	require.NoError(t, err)
	waitIdle(t, svc)
	require.Len(t, notes.list(), 1, "disabled notifications were sent")
}

func TestAnswerReadyText(t *testing.T) {
	tests := []struct {
		lang, title, wantTitle, wantBody string
	}{
		{"en", "Taxes", "Answer ready!", `New answer in chat "Taxes"`},
		{"en", "", "Answer ready!", "Your question has been answered"},
		{"ru", "Налоги", "Ответ готов!", `Новый ответ в чате "Налоги"`},
		{"de", "", "Answer ready!", "Your question has been answered"},
	}
	for _, tt := range tests {
		n := answerReady(tt.lang, "c1", tt.title)
		if n.Title != tt.wantTitle || n.Body != tt.wantBody || n.ChatID != "c1" {
			t.Errorf("answerReady(%q, %q) = %+v", tt.lang, tt.title, n)
		}
	}
}

// =============================================================================
// MERGE RULES
// =============================================================================

func TestMergeAnswer(t *testing.T) {
	const window = 10 * time.Second
	final := model.Message{ID: "msg-100", Role: model.RoleAssistant, Content: "Answer", Timestamp: 50_000}

	user := model.Message{ID: "1", Role: model.RoleUser, Content: "Q", Timestamp: 40_000}
	tests := []struct {
		name        string
		cur         []model.Message
		wantIDs     []string
		wantChanged bool
		wantAdded   bool
	}{
		{
			name:        "appends",
			cur:         []model.Message{user},
			wantIDs:     []string{"1", "msg-100"},
			wantChanged: true,
			wantAdded:   true,
		},
		{
			name:        "drops placeholders",
			cur:         []model.Message{user, {ID: "temp-100"}, {ID: "temp-100-b"}},
			wantIDs:     []string{"1", "msg-100"},
			wantChanged: true,
			wantAdded:   true,
		},
		{
			name:        "overwrites in place",
			cur:         []model.Message{user, {ID: "msg-100", Role: model.RoleAssistant, Content: "Ans"}, {ID: "2", Role: model.RoleUser}},
			wantIDs:     []string{"1", "msg-100", "2"},
			wantChanged: true,
		},
		{
			name:        "collapses duplicate ids",
			cur:         []model.Message{{ID: "msg-100"}, {ID: "msg-100"}},
			wantIDs:     []string{"msg-100"},
			wantChanged: true,
		},
		{
			name:    "same text within window",
			cur:     []model.Message{user, {ID: "9", Role: model.RoleAssistant, Content: " Answer\n", Timestamp: 45_000}},
			wantIDs: []string{"1", "9"},
		},
		{
			name:        "same text outside window",
			cur:         []model.Message{{ID: "9", Role: model.RoleAssistant, Content: "Answer", Timestamp: 30_000}},
			wantIDs:     []string{"9", "msg-100"},
			wantChanged: true,
			wantAdded:   true,
		},
		{
			name:        "user text does not count",
			cur:         []model.Message{{ID: "9", Role: model.RoleUser, Content: "Answer", Timestamp: 49_000}},
			wantIDs:     []string{"9", "msg-100"},
			wantChanged: true,
			wantAdded:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed, added := mergeAnswer(tt.cur, final, "temp-100", "temp-100", window)
			var ids []string
			for _, m := range out {
				ids = append(ids, m.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
			if changed != tt.wantChanged || added != tt.wantAdded {
				t.Errorf("changed=%v added=%v, want %v %v", changed, added, tt.wantChanged, tt.wantAdded)
			}
			for _, m := range out {
				if m.ID == final.ID && m.Content != final.Content {
					t.Errorf("final content = %q", m.Content)
				}
			}
		})
	}
}
