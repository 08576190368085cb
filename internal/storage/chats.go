// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// KEYS AND ERRORS
// =============================================================================

const (
	// ChatsKey holds the chat index.
	ChatsKey = "business_copilot_chats"

	// CurrentChatKey holds the selected chat id.
	CurrentChatKey = "business_copilot_current_chat"

	// MessagesKeyPrefix prefixes each chat's message list key.
	MessagesKeyPrefix = "business_copilot_messages_"
)

// MessagesKey returns the message list key for a chat.
func MessagesKey(chatID string) string {
	return MessagesKeyPrefix + chatID
}

// ErrChatNotFound is returned when a chat id is not in the index.
// Use errors.Is(err, ErrChatNotFound) to check for this error.
var ErrChatNotFound = &ChatError{Message: "chat not found"}

// ChatError represents a chat-related error.
type ChatError struct {
	Message string
	ChatID  string
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.ChatID != "" {
		return e.Message + ": " + e.ChatID
	}
	return e.Message
}

// Is implements errors.Is support for comparing chat errors.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func chatNotFound(id string) error {
	return &ChatError{Message: ErrChatNotFound.Message, ChatID: id}
}

// TitleFrom derives a chat title from the first user message: its first
// 50 characters, with "..." appended when longer.
func TitleFrom(content string) string {
	return util.Ellipsize(strings.TrimSpace(content), model.TitleMaxRunes)
}

// =============================================================================
// REPOSITORY
// =============================================================================

// KV is the key/value store the repository persists through.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ChatRepository manages the chat index and per-chat message lists.
//
// Writes to one chat's message list are serialised: SaveMessages and
// UpdateMessages for the same chat id never interleave. Index updates are
// serialised separately. Locks are always taken chat first, index second.
type ChatRepository struct {
	kv           KV
	logger       *zap.Logger
	ids          *util.IDClock
	now          func() time.Time
	defaultTitle string

	indexMu sync.Mutex

	locksMu   sync.Mutex
	chatLocks map[string]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// RepoOption configures a ChatRepository.
type RepoOption func(*ChatRepository)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RepoOption {
	return func(r *ChatRepository) { r.logger = logging.OrNop(l) }
}

// WithClock sets the time source for ids and timestamps.
func WithClock(now func() time.Time) RepoOption {
	return func(r *ChatRepository) {
		r.now = now
		r.ids = util.NewIDClockAt(now)
	}
}

// WithDefaultTitle sets the title given to new chats.
func WithDefaultTitle(title string) RepoOption {
	return func(r *ChatRepository) {
		if title != "" {
			r.defaultTitle = title
		}
	}
}

// NewChatRepository creates a repository over kv.
func NewChatRepository(kv KV, opts ...RepoOption) *ChatRepository {
	r := &ChatRepository{
		kv:           kv,
		logger:       zap.NewNop(),
		ids:          util.NewIDClock(),
		now:          time.Now,
		defaultTitle: model.DefaultChatTitle,
		chatLocks:    make(map[string]*chatLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockChat acquires the per-chat write lock and returns its release func.
func (r *ChatRepository) lockChat(chatID string) func() {
	r.locksMu.Lock()
	l, ok := r.chatLocks[chatID]
	if !ok {
		l = &chatLock{}
		r.chatLocks[chatID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.chatLocks, chatID)
		}
		r.locksMu.Unlock()
	}
}

// =============================================================================
// CHAT INDEX
// =============================================================================

// loadIndex reads the chat index. A missing or malformed index is empty;
// only store failures are returned.
func (r *ChatRepository) loadIndex(ctx context.Context) ([]model.Chat, error) {
	raw, ok, err := r.kv.Get(ctx, ChatsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat index: %w", err)
	}
	if !ok || raw == "" {
		return []model.Chat{}, nil
	}

	var chats []model.Chat
	if err := json.Unmarshal([]byte(raw), &chats); err != nil {
		r.logger.Warn("chat index is malformed, treating as empty", zap.Error(err))
		return []model.Chat{}, nil
	}
	if chats == nil {
		chats = []model.Chat{}
	}
	return chats, nil
}

func (r *ChatRepository) saveIndex(ctx context.Context, chats []model.Chat) error {
	data, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("failed to encode chat index: %w", err)
	}
	if err := r.kv.Set(ctx, ChatsKey, string(data)); err != nil {
		return fmt.Errorf("failed to save chat index: %w", err)
	}
	return nil
}

// ListChats returns every chat, newest-created first. Read failures are
// logged and yield an empty list.
func (r *ChatRepository) ListChats(ctx context.Context) []model.Chat {
	chats, err := r.loadIndex(ctx)
	if err != nil {
		r.logger.Error("failed to list chats", zap.Error(err))
		return []model.Chat{}
	}
	return chats
}

// GetChat returns the chat with id.
func (r *ChatRepository) GetChat(ctx context.Context, id string) (model.Chat, bool) {
	for _, c := range r.ListChats(ctx) {
		if c.ID == id {
			return c, true
		}
	}
	return model.Chat{}, false
}

// CreateChat adds a chat at the front of the index and selects it.
func (r *ChatRepository) CreateChat(ctx context.Context) (model.Chat, error) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	chats, err := r.loadIndex(ctx)
	if err != nil {
		return model.Chat{}, err
	}

	ms := r.ids.NextMillis()
	chat := model.Chat{
		ID:        util.FormatMillis(ms),
		Title:     r.defaultTitle,
		CreatedAt: ms,
		UpdatedAt: ms,
	}

	chats = append([]model.Chat{chat}, chats...)
	if err := r.saveIndex(ctx, chats); err != nil {
		return model.Chat{}, err
	}
	if err := r.kv.Set(ctx, CurrentChatKey, chat.ID); err != nil {
		return model.Chat{}, fmt.Errorf("failed to save current chat: %w", err)
	}

	r.logger.Info("chat created", zap.String("chat_id", chat.ID))
	return chat, nil
}

// SelectChat makes id the current chat. Unknown ids return ErrChatNotFound.
func (r *ChatRepository) SelectChat(ctx context.Context, id string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	chats, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	if indexOf(chats, id) < 0 {
		return chatNotFound(id)
	}
	if err := r.kv.Set(ctx, CurrentChatKey, id); err != nil {
		return fmt.Errorf("failed to save current chat: %w", err)
	}
	return nil
}

// CurrentChatID returns the selected chat id, if any.
func (r *ChatRepository) CurrentChatID(ctx context.Context) (string, bool) {
	id, ok, err := r.kv.Get(ctx, CurrentChatKey)
	if err != nil {
		r.logger.Error("failed to read current chat", zap.Error(err))
		return "", false
	}
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// DeleteChat removes the chat and its messages. If it was the current chat
// the pointer moves to the first remaining chat, or is cleared when none
// remain. Deleting an unknown id only removes any orphaned message list.
func (r *ChatRepository) DeleteChat(ctx context.Context, id string) error {
	release := r.lockChat(id)
	defer release()

	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	chats, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	if i := indexOf(chats, id); i >= 0 {
		chats = append(chats[:i], chats[i+1:]...)
		if err := r.saveIndex(ctx, chats); err != nil {
			return err
		}
	}

	if err := r.kv.Remove(ctx, MessagesKey(id)); err != nil {
		return fmt.Errorf("failed to delete messages for chat %s: %w", id, err)
	}

	if current, ok := r.CurrentChatID(ctx); ok && current == id {
		if len(chats) > 0 {
			err = r.kv.Set(ctx, CurrentChatKey, chats[0].ID)
		} else {
			err = r.kv.Remove(ctx, CurrentChatKey)
		}
		if err != nil {
			return fmt.Errorf("failed to update current chat: %w", err)
		}
	}

	r.logger.Info("chat deleted", zap.String("chat_id", id))
	return nil
}

// UpdateChatTitle renames a chat and bumps its updatedAt.
func (r *ChatRepository) UpdateChatTitle(ctx context.Context, id, title string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	chats, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	i := indexOf(chats, id)
	if i < 0 {
		return chatNotFound(id)
	}
	chats[i].Title = title
	chats[i].UpdatedAt = r.now().UnixMilli()
	return r.saveIndex(ctx, chats)
}

// touch bumps updatedAt. A chat deleted in the meantime is ignored.
func (r *ChatRepository) touch(ctx context.Context, id string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	chats, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	i := indexOf(chats, id)
	if i < 0 {
		return nil
	}
	chats[i].UpdatedAt = r.now().UnixMilli()
	return r.saveIndex(ctx, chats)
}

func indexOf(chats []model.Chat, id string) int {
	for i, c := range chats {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// MESSAGES
// =============================================================================

func (r *ChatRepository) readMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	raw, ok, err := r.kv.Get(ctx, MessagesKey(chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for chat %s: %w", chatID, err)
	}
	if !ok || raw == "" {
		return []model.Message{}, nil
	}

	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		r.logger.Warn("message list is malformed, treating as empty",
			zap.String("chat_id", chatID), zap.Error(err))
		return []model.Message{}, nil
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// writeMessages persists msgs and bumps updatedAt. Caller holds the chat lock.
func (r *ChatRepository) writeMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	durable := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if model.IsTemporary(m.ID) {
			r.logger.Warn("dropping in-flight placeholder from save",
				zap.String("chat_id", chatID), zap.String("message_id", m.ID))
			continue
		}
		durable = append(durable, m)
	}

	data, err := json.Marshal(durable)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	if err := r.kv.Set(ctx, MessagesKey(chatID), string(data)); err != nil {
		return fmt.Errorf("failed to save messages for chat %s: %w", chatID, err)
	}
	return r.touch(ctx, chatID)
}

// LoadMessages returns the chat's messages. Missing, malformed or
// unreadable lists yield an empty slice.
func (r *ChatRepository) LoadMessages(ctx context.Context, chatID string) []model.Message {
	msgs, err := r.readMessages(ctx, chatID)
	if err != nil {
		r.logger.Error("failed to load messages", zap.String("chat_id", chatID), zap.Error(err))
		return []model.Message{}
	}
	return msgs
}

// requireIndexed returns ErrChatNotFound unless chatID is in the index.
// Caller holds the chat lock, which DeleteChat also takes.
func (r *ChatRepository) requireIndexed(ctx context.Context, chatID string) error {
	chats, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	if indexOf(chats, chatID) < 0 {
		return chatNotFound(chatID)
	}
	return nil
}

// SaveMessages replaces the chat's message list and bumps its updatedAt.
// Placeholder messages are never persisted. Unknown or deleted chats
// return ErrChatNotFound.
func (r *ChatRepository) SaveMessages(ctx context.Context, chatID string, msgs []model.Message) error {
	release := r.lockChat(chatID)
	defer release()
	if err := r.requireIndexed(ctx, chatID); err != nil {
		return err
	}
	return r.writeMessages(ctx, chatID, msgs)
}

// MutateFunc receives the freshly read message list and returns the new
// list and whether anything changed.
type MutateFunc func(msgs []model.Message) ([]model.Message, bool)

// UpdateMessages performs a read-modify-write of the chat's message list
// while holding the chat's write lock, so concurrent updates to the same
// chat are applied one after another. It returns the resulting list.
// Unknown or deleted chats return ErrChatNotFound without calling fn.
func (r *ChatRepository) UpdateMessages(ctx context.Context, chatID string, fn MutateFunc) ([]model.Message, error) {
	release := r.lockChat(chatID)
	defer release()

	if err := r.requireIndexed(ctx, chatID); err != nil {
		return nil, err
	}

	msgs, err := r.readMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	updated, changed := fn(msgs)
	if !changed {
		return msgs, nil
	}
	if err := r.writeMessages(ctx, chatID, updated); err != nil {
		return nil, err
	}
	return updated, nil
}
