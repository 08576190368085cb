// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/model"
	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// ERRORS AND COLLABORATORS
// =============================================================================

var (
	// ErrGenerationInProgress is returned by Submit while the chat already
	// has a pending job.
	ErrGenerationInProgress = errors.New("generation already in progress for this chat")

	// ErrReservationUsed is returned when a reservation is submitted twice
	// or after Release.
	ErrReservationUsed = errors.New("generation slot already used")

	// ErrManagerClosed is returned by Submit after Close.
	ErrManagerClosed = errors.New("job manager is closed")
)

// Streamer produces a streamed completion, calling onChunk per fragment
// and returning the full answer.
type Streamer interface {
	CompleteStream(ctx context.Context, msgs []model.Message, onChunk func(string)) (string, error)
}

// errorMessages holds the answer text used when a generation fails.
var errorMessages = map[string]string{
	"en": "Error: could not reach the model.",
	"ru": "Ошибка: не удалось связаться с моделью.",
}

// ErrorMessage returns the localized failure answer, defaulting to English.
func ErrorMessage(lang string) string {
	if msg, ok := errorMessages[strings.ToLower(lang)]; ok {
		return msg
	}
	return errorMessages["en"]
}

// DefaultMaxHistory is the number of finished jobs kept in the table.
const DefaultMaxHistory = 100

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the job table and the per-chat generation lock.
type Manager struct {
	streamer   Streamer
	bus        *event.Bus
	logger     *zap.Logger
	ids        *util.IDClock
	now        func() time.Time
	errorText  string
	maxHistory int

	foreground    atomic.Bool
	screenVisible atomic.Bool

	mu       sync.RWMutex
	jobs     map[string]*record
	order    []string
	active   map[string]string // chatID -> jobID
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithLanguage selects the language of the error answer.
func WithLanguage(lang string) Option {
	return func(m *Manager) { m.errorText = ErrorMessage(lang) }
}

// WithClock sets the time source for job ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.ids = util.NewIDClockAt(now)
	}
}

// WithMaxHistory bounds how many finished jobs are remembered.
func WithMaxHistory(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// NewManager creates a manager that streams through s and publishes on bus.
// The host starts out foregrounded with the chat screen visible.
func NewManager(s Streamer, bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{
		streamer:   s,
		bus:        bus,
		logger:     zap.NewNop(),
		ids:        util.NewIDClock(),
		now:        time.Now,
		errorText:  ErrorMessage("en"),
		maxHistory: DefaultMaxHistory,
		jobs:       make(map[string]*record),
		active:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.foreground.Store(true)
	m.screenVisible.Store(true)
	return m
}

// =============================================================================
// LIFECYCLE FLAGS
// =============================================================================

// SetForeground records whether the host application is foregrounded.
func (m *Manager) SetForeground(v bool) {
	m.foreground.Store(v)
}

// SetScreenVisible records whether the chat screen is the visible route.
func (m *Manager) SetScreenVisible(v bool) {
	m.screenVisible.Store(v)
}

// Foreground reports the foreground flag.
func (m *Manager) Foreground() bool {
	return m.foreground.Load()
}

// ScreenVisible reports the chat-screen flag.
func (m *Manager) ScreenVisible() bool {
	return m.screenVisible.Load()
}

// live reports whether stream events should reach subscribers.
func (m *Manager) live() bool {
	return m.foreground.Load() && m.screenVisible.Load()
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit starts generating an answer to dialogue for chatID and returns the
// job id without waiting. A chat with a pending job is rejected with
// ErrGenerationInProgress. The job is not tied to ctx's cancellation and
// runs until the transport finishes or fails.
func (m *Manager) Submit(ctx context.Context, dialogue []model.Message, chatID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := m.Reserve(chatID)
	if err != nil {
		return "", err
	}
	return r.Submit(ctx, dialogue)
}

// Reservation holds a chat's generation slot between Reserve and Submit.
// Exactly one of Submit or Release should be called.
type Reservation struct {
	m      *Manager
	chatID string

	mu   sync.Mutex
	done bool
}

// Reserve takes the chat's generation slot without starting a job, so a
// caller can persist state knowing no other submit for the chat will win.
// A chat that is pending or already reserved returns ErrGenerationInProgress.
func (m *Manager) Reserve(chatID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if jobID, busy := m.active[chatID]; busy {
		m.logger.Debug("rejecting submit while generation is pending",
			zap.String("chat_id", chatID), zap.String("job_id", jobID))
		return nil, ErrGenerationInProgress
	}
	m.active[chatID] = reservedSlot
	return &Reservation{m: m, chatID: chatID}, nil
}

// reservedSlot marks a chat whose slot is held but has no job yet.
const reservedSlot = ""

// Release frees an unused reservation. It is a no-op after Submit.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	r.m.mu.Lock()
	if id, ok := r.m.active[r.chatID]; ok && id == reservedSlot {
		delete(r.m.active, r.chatID)
	}
	r.m.mu.Unlock()
}

// Submit starts the job in the reserved slot and returns its id.
func (r *Reservation) Submit(ctx context.Context, dialogue []model.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return "", ErrReservationUsed
	}
	r.done = true

	m := r.m
	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		delete(m.active, r.chatID)
		m.mu.Unlock()
		return "", err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &record{
		job: Job{
			ID:        m.ids.Next(),
			ChatID:    r.chatID,
			Status:    StatusPending,
			StartedAt: m.now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closed {
		delete(m.active, r.chatID)
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	m.jobs[rec.job.ID] = rec
	m.order = append(m.order, rec.job.ID)
	m.active[r.chatID] = rec.job.ID
	m.inflight.Add(1)
	m.mu.Unlock()

	msgs := model.CloneMessages(dialogue)
	go m.run(jobCtx, rec, msgs)

	m.logger.Info("job submitted",
		zap.String("job_id", rec.job.ID),
		zap.String("chat_id", r.chatID),
		zap.Int("messages", len(msgs)))
	return rec.job.ID, nil
}

// run streams the answer and publishes the events for one job.
func (m *Manager) run(ctx context.Context, rec *record, dialogue []model.Message) {
	defer m.inflight.Done()
	defer rec.cancel()

	job := rec.snapshot()
	tempID := job.TempID()

	if m.live() {
		m.bus.Publish(event.StreamStarted{ChatID: job.ChatID, JobID: job.ID, TempID: tempID})
	}

	answer, err := m.streamer.CompleteStream(ctx, dialogue, func(chunk string) {
		if chunk == "" || !m.live() {
			return
		}
		m.bus.Publish(event.Chunk{ChatID: job.ChatID, JobID: job.ID, TempID: tempID, Text: chunk})
	})

	final := event.Answer{ChatID: job.ChatID, JobID: job.ID, TempID: tempID}
	if err != nil {
		m.logger.Warn("generation failed",
			zap.String("job_id", job.ID),
			zap.String("chat_id", job.ChatID),
			zap.Error(err))
		final.Text = m.errorText
		final.Err = true
		m.transition(rec, StatusError, final.Text, err)
	} else {
		final.Text = answer
		m.transition(rec, StatusDone, answer, nil)
	}

	// The chat stays locked until subscribers have handled the answer, so
	// a follow-up submit cannot overtake reconciliation.
	m.bus.Publish(final)
	m.release(rec)
}

func (m *Manager) transition(rec *record, to Status, answer string, cause error) {
	if err := rec.finish(to, answer, cause, m.now()); err != nil {
		m.logger.Error("job state error", zap.String("job_id", rec.snapshot().ID), zap.Error(err))
		return
	}
	j := rec.snapshot()
	m.logger.Info("job finished",
		zap.String("job_id", j.ID),
		zap.String("chat_id", j.ChatID),
		zap.String("status", j.Status.String()),
		zap.Duration("duration", j.Duration()))
}

// release frees the chat's generation lock and prunes old jobs.
func (m *Manager) release(rec *record) {
	j := rec.snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[j.ChatID] == j.ID {
		delete(m.active, j.ChatID)
	}
	m.pruneLocked()
}

// pruneLocked drops the oldest finished jobs beyond maxHistory.
func (m *Manager) pruneLocked() {
	finished := 0
	for _, id := range m.order {
		if m.jobs[id].status().IsTerminal() {
			finished++
		}
	}
	if finished <= m.maxHistory {
		return
	}

	excess := finished - m.maxHistory
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.jobs[id].status().IsTerminal() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// =============================================================================
// QUERIES
// =============================================================================

// Job returns a snapshot of the job with id.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.RLock()
	rec, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return rec.snapshot(), true
}

// Jobs returns snapshots of all remembered jobs, oldest first.
func (m *Manager) Jobs() []Job {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.order))
	for _, id := range m.order {
		recs = append(recs, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Pending returns the chat's job while it is still generating.
func (m *Manager) Pending(chatID string) (Job, bool) {
	m.mu.RLock()
	id, ok := m.active[chatID]
	var rec *record
	if ok {
		rec = m.jobs[id]
	}
	m.mu.RUnlock()

	if rec == nil {
		return Job{}, false
	}
	j := rec.snapshot()
	if j.Status != StatusPending {
		return Job{}, false
	}
	return j, true
}

// Wait blocks until every submitted job has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones. If ctx expires
// first, remaining jobs are cancelled and finish with the error answer.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.Wait(ctx)
	if err == nil {
		return nil
	}

	m.mu.RLock()
	for _, id := range m.active {
		if rec := m.jobs[id]; rec != nil {
			rec.cancel()
		}
	}
	m.mu.RUnlock()
	return err
}
