// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/bizcopilot/internal/kvstore"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/securestore"
)

func newTestRepo(t *testing.T) (*ChatRepository, *securestore.Store) {
	t.Helper()
	store := securestore.New(kvstore.NewMemory(), securestore.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = store.Close() })
	return NewChatRepository(store, WithLogger(zaptest.NewLogger(t))), store
}

// failingKV fails every read, used to check read-path recovery.
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (failingKV) Set(context.Context, string, string) error { return errors.New("disk on fire") }
func (failingKV) Remove(context.Context, string) error      { return errors.New("disk on fire") }

func TestCreateChat(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	chat, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	require.Equal(t, model.DefaultChatTitle, chat.Title)
	require.NotEmpty(t, chat.ID)
	require.Equal(t, chat.CreatedAt, chat.UpdatedAt)

	current, ok := repo.CurrentChatID(ctx)
	require.True(t, ok)
	require.Equal(t, chat.ID, current)

	chats := repo.ListChats(ctx)
	require.Len(t, chats, 1)
	require.Equal(t, chat, chats[0])
}

func TestCreateChatNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := repo.CreateChat(ctx)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	chats := repo.ListChats(ctx)
	require.Len(t, chats, 3)
	require.Equal(t, ids[2], chats[0].ID)
	require.Equal(t, ids[0], chats[2].ID)

	seen := map[string]bool{}
	for _, c := range chats {
		require.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
	}
}

func TestCreateChatSameMillisecond(t *testing.T) {
	ctx := context.Background()
	fixed := time.UnixMilli(1_700_000_000_000)
	store := securestore.New(kvstore.NewMemory())
	repo := NewChatRepository(store, WithClock(func() time.Time { return fixed }))

	a, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	b, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestDeleteCurrentChatRepointsToFirst(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	a, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	b, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SaveMessages(ctx, b.ID, []model.Message{
		model.NewMessage("1", model.RoleUser, "hi"),
	}))

	require.NoError(t, repo.DeleteChat(ctx, b.ID))

	current, ok := repo.CurrentChatID(ctx)
	require.True(t, ok)
	require.Equal(t, a.ID, current)
	require.Empty(t, repo.LoadMessages(ctx, b.ID))
	_, found := repo.GetChat(ctx, b.ID)
	require.False(t, found)
}

func TestDeleteLastChatClearsCurrent(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepo(t)

	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.DeleteChat(ctx, c.ID))

	_, ok := repo.CurrentChatID(ctx)
	require.False(t, ok)
	require.Empty(t, repo.ListChats(ctx))

	_, exists, err := store.Get(ctx, CurrentChatKey)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDeleteNonCurrentKeepsPointer(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	a, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	b, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteChat(ctx, a.ID))
	current, _ := repo.CurrentChatID(ctx)
	require.Equal(t, b.ID, current)
}

func TestSelectChat(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	a, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	_, err = repo.CreateChat(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.SelectChat(ctx, a.ID))
	current, _ := repo.CurrentChatID(ctx)
	require.Equal(t, a.ID, current)

	err = repo.SelectChat(ctx, "nope")
	require.ErrorIs(t, err, ErrChatNotFound)
	require.Contains(t, err.Error(), "nope")
}

func TestUpdateChatTitle(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	repo := NewChatRepository(securestore.New(kvstore.NewMemory()),
		WithClock(func() time.Time { return now }))

	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	require.NoError(t, repo.UpdateChatTitle(ctx, c.ID, "Taxes"))

	got, ok := repo.GetChat(ctx, c.ID)
	require.True(t, ok)
	require.Equal(t, "Taxes", got.Title)
	require.Equal(t, now.UnixMilli(), got.UpdatedAt)
	require.Equal(t, c.CreatedAt, got.CreatedAt)

	require.ErrorIs(t, repo.UpdateChatTitle(ctx, "missing", "x"), ErrChatNotFound)
}

func TestSaveMessagesBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(5_000)
	repo := NewChatRepository(securestore.New(kvstore.NewMemory()),
		WithClock(func() time.Time { return now }))

	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	now = now.Add(time.Second)
	msgs := []model.Message{
		model.NewMessage("1", model.RoleUser, "hello"),
		model.NewMessage("msg-2", model.RoleAssistant, "hi there"),
	}
	require.NoError(t, repo.SaveMessages(ctx, c.ID, msgs))

	got := repo.LoadMessages(ctx, c.ID)
	require.Equal(t, msgs, got)

	chat, _ := repo.GetChat(ctx, c.ID)
	require.Equal(t, now.UnixMilli(), chat.UpdatedAt)
}

func TestSaveMessagesDropsPlaceholders(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.SaveMessages(ctx, c.ID, []model.Message{
		model.NewMessage("1", model.RoleUser, "q"),
		model.NewMessage(model.TempID("7"), model.RoleAssistant, ""),
	}))

	got := repo.LoadMessages(ctx, c.ID)
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].ID)
}

func TestLoadMessagesRecovers(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepo(t)

	require.Empty(t, repo.LoadMessages(ctx, "absent"))

	require.NoError(t, store.Set(ctx, MessagesKey("bad"), "{not json"))
	require.Empty(t, repo.LoadMessages(ctx, "bad"))

	require.NoError(t, store.Set(ctx, ChatsKey, "[[["))
	require.Empty(t, repo.ListChats(ctx))

	broken := NewChatRepository(failingKV{}, WithLogger(zaptest.NewLogger(t)))
	require.Empty(t, broken.LoadMessages(ctx, "x"))
	require.Empty(t, broken.ListChats(ctx))
	_, ok := broken.CurrentChatID(ctx)
	require.False(t, ok)
}

func TestWritePathsSurfaceErrors(t *testing.T) {
	ctx := context.Background()
	repo := NewChatRepository(failingKV{})

	_, err := repo.CreateChat(ctx)
	require.Error(t, err)
	require.Error(t, repo.SaveMessages(ctx, "1", nil))
	_, err = repo.UpdateMessages(ctx, "1", func(m []model.Message) ([]model.Message, bool) {
		return m, true
	})
	require.Error(t, err)
}

func TestMessageWritesRequireIndexedChat(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepo(t)

	called := false
	_, err := repo.UpdateMessages(ctx, "404", func(m []model.Message) ([]model.Message, bool) {
		called = true
		return m, true
	})
	require.ErrorIs(t, err, ErrChatNotFound)
	require.False(t, called)
	require.ErrorIs(t, repo.SaveMessages(ctx, "404", []model.Message{
		model.NewMessage("1", model.RoleUser, "q"),
	}), ErrChatNotFound)

	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.DeleteChat(ctx, c.ID))
	require.ErrorIs(t, repo.SaveMessages(ctx, c.ID, []model.Message{
		model.NewMessage("1", model.RoleUser, "q"),
	}), ErrChatNotFound)

	for _, id := range []string{"404", c.ID} {
		_, exists, err := store.Get(ctx, MessagesKey(id))
		require.NoError(t, err)
		require.False(t, exists, "orphaned message list for %s", id)
	}
}

func TestUpdateMessagesNoChange(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestRepo(t)
	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	got, err := repo.UpdateMessages(ctx, c.ID, func(m []model.Message) ([]model.Message, bool) {
		return m, false
	})
	require.NoError(t, err)
	require.Empty(t, got)

	_, exists, err := store.Get(ctx, MessagesKey(c.ID))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUpdateMessagesSerialisesPerChat(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	c, err := repo.CreateChat(ctx)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.UpdateMessages(ctx, c.ID, func(m []model.Message) ([]model.Message, bool) {
				id := fmt.Sprintf("m%d", i)
				return append(m, model.NewMessage(id, model.RoleUser, id)), true
			})
			if err != nil {
				t.Errorf("UpdateMessages: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, repo.LoadMessages(ctx, c.ID), writers)
	repo.locksMu.Lock()
	require.Empty(t, repo.chatLocks)
	repo.locksMu.Unlock()
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Hello", "Hello"},
		{"exact", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"long", strings.Repeat("b", 60), strings.Repeat("b", 50) + "..."},
		{"cyrillic", strings.Repeat("д", 55), strings.Repeat("д", 50) + "..."},
		{"trimmed", "  hi  ", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TitleFrom(tt.in); got != tt.want {
				t.Errorf("TitleFrom(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChatErrorIs(t *testing.T) {
	err := chatNotFound("42")
	if !errors.Is(err, ErrChatNotFound) {
		t.Error("expected errors.Is to match ErrChatNotFound")
	}
	if err.Error() != "chat not found: 42" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
