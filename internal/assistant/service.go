// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/config"
	ctxpkg "github.com/jeranaias/bizcopilot/internal/context"
	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/jobs"
	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/router"
	"github.com/jeranaias/bizcopilot/internal/storage"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// DefaultDedupWindow is how close in time an identical answer must be to
// count as already persisted.
const DefaultDedupWindow = 10 * time.Second

// reconcileTimeout bounds the store work done for one answer.
const reconcileTimeout = 30 * time.Second

var (
	// ErrEmptyMessage is returned by Send for a message with no text and
	// no attachments.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("assistant service is closed")
)

// =============================================================================
// SERVICE
// =============================================================================

// Service is the application core: chats, generation and reconciliation.
// It is safe for concurrent use.
type Service struct {
	kv       storage.KV
	repo     *storage.ChatRepository
	bus      *event.Bus
	jobs     *jobs.Manager
	expander *ctxpkg.Expander
	notifier Notifier
	settings *Settings
	logger   *zap.Logger
	lang     string
	now      func() time.Time
	ids      *util.IDClock
	closers  []io.Closer

	extractor ctxpkg.Extractor

	mu          sync.RWMutex
	trimmer     *ctxpkg.Trimmer
	basePrompt  string
	dedupWindow time.Duration

	lifeMu  sync.Mutex
	sub     *event.Subscription
	started bool
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithLanguage selects the language for personas, labels and the error
// answer ("en" or "ru").
func WithLanguage(lang string) Option {
	return func(s *Service) {
		if lang != "" {
			s.lang = strings.ToLower(lang)
		}
	}
}

// WithClock sets the time source for ids, timestamps and deduplication.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSystemPrompt replaces the built-in base prompt.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.basePrompt = prompt }
}

// WithTrimmer sets the dialogue trimmer.
func WithTrimmer(t *ctxpkg.Trimmer) Option {
	return func(s *Service) {
		if t != nil {
			s.trimmer = t
		}
	}
}

// WithExtractor sets the attachment text extractor.
func WithExtractor(e ctxpkg.Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// WithNotifier sets the notifier used for answers that arrive while the
// chat screen is not visible.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithDedupWindow sets the duplicate-by-content window.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.dedupWindow = d
		}
	}
}

// withCloser registers a resource released by Close.
func withCloser(c io.Closer) Option {
	return func(s *Service) { s.closers = append(s.closers, c) }
}

// New creates a service persisting through kv and generating with streamer.
func New(kv storage.KV, streamer jobs.Streamer, opts ...Option) *Service {
	s := &Service{
		kv:          kv,
		logger:      zap.NewNop(),
		lang:        "en",
		now:         time.Now,
		trimmer:     ctxpkg.NewTrimmer(nil),
		dedupWindow: DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(s.logger)
	}

	s.ids = util.NewIDClockAt(s.now)
	s.repo = storage.NewChatRepository(kv,
		storage.WithLogger(s.logger.Named("storage")),
		storage.WithClock(s.now),
		storage.WithDefaultTitle(model.DefaultTitle(s.lang)))
	s.bus = event.NewBus(s.logger.Named("event"))

	s.jobs = jobs.NewManager(streamer, s.bus,
		jobs.WithLogger(s.logger.Named("jobs")),
		jobs.WithLanguage(s.lang),
		jobs.WithClock(s.now))

	s.expander = ctxpkg.NewExpander(s.extractor, s.lang)
	s.settings = NewSettings(kv, s.logger)
	return s
}

// Repo returns the chat repository.
func (s *Service) Repo() *storage.ChatRepository { return s.repo }

// Bus returns the event bus.
func (s *Service) Bus() *event.Bus { return s.bus }

// Jobs returns the job manager.
func (s *Service) Jobs() *jobs.Manager { return s.jobs }

// Settings returns the user preferences.
func (s *Service) Settings() *Settings { return s.settings }

// Language returns the configured language.
func (s *Service) Language() string { return s.lang }

// Personas returns the localized personas.
func (s *Service) Personas() []router.Persona { return router.Personas(s.lang) }

// ApplyConfig updates the conversation limits and base prompt. The
// language is fixed for the service's lifetime.
func (s *Service) ApplyConfig(a config.AssistantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trimmer = ctxpkg.NewTrimmer(&ctxpkg.TrimmerConfig{
		MaxTokens:   a.MaxContextTokens,
		MaxMessages: a.MaxHistoryMessages,
	})
	if d := a.DedupWindow(); d > 0 {
		s.dedupWindow = d
	}
	s.basePrompt = a.SystemPrompt
	s.logger.Info("assistant limits updated",
		zap.Int("max_context_tokens", s.trimmer.MaxTokens()),
		zap.Int("max_history_messages", s.trimmer.MaxMessages()),
		zap.Duration("dedup_window", s.dedupWindow))
}

func (s *Service) limits() (*ctxpkg.Trimmer, string, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trimmer, s.basePrompt, s.dedupWindow
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start subscribes the answer reconciler. Calling it again does nothing.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.sub = s.bus.Subscribe(event.Filter{Kinds: []event.Kind{event.KindAnswer}}, s.reconcile)
	s.started = true

	s.logger.Info("assistant started",
		zap.String("language", s.lang),
		zap.Int("chats", len(s.repo.ListChats(ctx))))
	return nil
}

// Close waits for in-flight jobs so their answers are still persisted,
// then stops the reconciler and releases resources. If ctx expires first
// the remaining jobs are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	s.lifeMu.Unlock()

	var errs []error
	if err := s.jobs.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for jobs: %w", err))
	}

	s.lifeMu.Lock()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.lifeMu.Unlock()

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetForeground records whether the host application is foregrounded.
func (s *Service) SetForeground(v bool) { s.jobs.SetForeground(v) }

// SetScreenVisible records whether the chat screen is showing.
func (s *Service) SetScreenVisible(v bool) { s.jobs.SetScreenVisible(v) }

// =============================================================================
// SENDING
// =============================================================================

// SendResult describes an accepted user turn.
type SendResult struct {
	ChatID      string                   `json:"chatId"`
	JobID       string                   `json:"jobId"`
	TempID      string                   `json:"tempId"`
	UserMessage model.Message            `json:"userMessage"`
	Role        router.Role              `json:"role"`
	Titled      bool                     `json:"titled"`
	Trimmed     bool                     `json:"trimmed"`
	FileErrors  []ctxpkg.AttachmentError `json:"-"`
}

// Send persists the user's message and starts generating the answer.
//
// Attachments are inlined into the text sent to the model while the stored
// message shows only their names. The first message of a chat also becomes
// its title. A chat with a pending answer returns
// jobs.ErrGenerationInProgress and nothing is stored.
func (s *Service) Send(ctx context.Context, chatID, text string, attachments []model.Attachment) (*SendResult, error) {
	s.lifeMu.Lock()
	closed := s.closed
	s.lifeMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if _, ok := s.repo.GetChat(ctx, chatID); !ok {
		return nil, fmt.Errorf("send to chat %s: %w", chatID, storage.ErrChatNotFound)
	}
	slot, err := s.jobs.Reserve(chatID)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	exp := s.expander.Expand(ctx, text, attachments)
	for _, fe := range exp.Errors {
		s.logger.Warn("attachment could not be read",
			zap.String("chat_id", chatID), zap.String("file", fe.Name), zap.Error(fe.Err))
	}

	now := s.now()
	userMsg := model.Message{
		ID:        util.FormatMillis(s.ids.NextMillis()),
		Role:      model.RoleUser,
		Content:   exp.DisplayContent,
		Timestamp: now.UnixMilli(),
	}

	var history []model.Message
	msgs, err := s.repo.UpdateMessages(ctx, chatID, func(cur []model.Message) ([]model.Message, bool) {
		history = model.CloneMessages(cur)
		return append(cur, userMsg), true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	res := &SendResult{ChatID: chatID, UserMessage: userMsg, FileErrors: exp.Errors}
	if len(msgs) == 1 {
		if err := s.repo.UpdateChatTitle(ctx, chatID, storage.TitleFrom(userMsg.Content)); err != nil {
			s.logger.Warn("failed to set chat title", zap.String("chat_id", chatID), zap.Error(err))
		} else {
			res.Titled = true
		}
	}

	trimmer, base, _ := s.limits()
	res.Role = router.Detect(exp.ModelContent)
	system := router.SystemPrompt(base, router.PersonaFor(res.Role, s.lang))
	trim := trimmer.Trim(system, history, exp.ModelContent)
	res.Trimmed = len(trim.History) < len(history)

	jobID, err := slot.Submit(ctx, trim.Messages)
	if err != nil {
		return nil, err
	}
	res.JobID = jobID
	res.TempID = model.TempID(jobID)

	s.logger.Info("message sent",
		zap.String("chat_id", chatID),
		zap.String("job_id", jobID),
		zap.String("role", res.Role.String()),
		zap.Int("history", len(trim.History)),
		zap.Int("tokens", trim.TokensUsed+trim.UserTokens))
	return res, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// reconcile persists an answer exactly once under msg-<jobId>.
//
// The message list is re-read under the chat lock. Entries with the final
// id, the job's temp id or the temp prefix are removed. An existing final
// entry is overwritten in place; otherwise the answer is appended unless an
// assistant message with the same trimmed text was stored within the dedup
// window.
func (s *Service) reconcile(ev event.Event) {
	ans, ok := ev.(event.Answer)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	_, _, window := s.limits()
	now := s.now()
	final := model.Message{
		ID:        model.FinalID(ans.JobID),
		Role:      model.RoleAssistant,
		Content:   strings.TrimSpace(ans.Text),
		Timestamp: now.UnixMilli(),
	}

	var appended bool
	_, err := s.repo.UpdateMessages(ctx, ans.ChatID, func(cur []model.Message) ([]model.Message, bool) {
		out, changed, added := mergeAnswer(cur, final, ans.TempID, model.TempID(ans.JobID), window)
		appended = added
		return out, changed
	})

	switch {
	case errors.Is(err, storage.ErrChatNotFound):
		s.logger.Info("chat deleted before its answer arrived",
			zap.String("chat_id", ans.ChatID), zap.String("job_id", ans.JobID))
		return
	case err != nil:
		s.logger.Error("failed to persist answer",
			zap.String("chat_id", ans.ChatID), zap.String("job_id", ans.JobID), zap.Error(err))
		return
	}

	s.logger.Debug("answer reconciled",
		zap.String("chat_id", ans.ChatID),
		zap.String("job_id", ans.JobID),
		zap.Bool("appended", appended),
		zap.Bool("error", ans.Err))

	if appended {
		s.notifyAnswer(ctx, ans.ChatID)
	}
}

// mergeAnswer applies the reconciliation rules to cur. It reports the new
// list, whether it differs from cur and whether final was appended.
func mergeAnswer(cur []model.Message, final model.Message, tempID, tempPrefix string, window time.Duration) ([]model.Message, bool, bool) {
	out := make([]model.Message, 0, len(cur)+1)
	replaced := false
	for _, m := range cur {
		switch {
		case m.ID == final.ID:
			if !replaced {
				out = append(out, final)
				replaced = true
			}
		case m.ID == tempID || strings.HasPrefix(m.ID, tempPrefix):
		default:
			out = append(out, m)
		}
	}
	if replaced {
		return out, true, false
	}
	if hasRecentCopy(out, final, window) {
		return out, len(out) != len(cur), false
	}
	return append(out, final), true, true
}

func hasRecentCopy(msgs []model.Message, final model.Message, window time.Duration) bool {
	for _, m := range msgs {
		if m.Role != model.RoleAssistant || strings.TrimSpace(m.Content) != final.Content {
			continue
		}
		delta := time.Duration(final.Timestamp-m.Timestamp) * time.Millisecond
		if delta < 0 {
			delta = -delta
		}
		if delta < window {
			return true
		}
	}
	return false
}

// notifyAnswer alerts the user when the answer arrived off-screen.
func (s *Service) notifyAnswer(ctx context.Context, chatID string) {
	if s.jobs.Foreground() && s.jobs.ScreenVisible() {
		return
	}
	if !s.settings.NotificationsEnabled(ctx) {
		return
	}
	title := ""
	if chat, ok := s.repo.GetChat(ctx, chatID); ok {
		title = chat.Title
	}
	if err := s.notifier.Notify(ctx, answerReady(s.lang, chatID, title)); err != nil {
		s.logger.Warn("failed to send notification", zap.String("chat_id", chatID), zap.Error(err))
	}
}
