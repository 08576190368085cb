// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/model"
)

// fakeStreamer replays chunks, optionally blocking until release is closed.
type fakeStreamer struct {
	chunks  []string
	err     error
	release chan struct{}
	// chunkHook runs between chunks; used to flip lifecycle flags mid-stream.
	chunkHook func(i int)

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
	var sb strings.Builder
	for i, c := range f.chunks {
		if f.chunkHook != nil {
			f.chunkHook(i)
		}
		onChunk(c)
		sb.WriteString(c)
	}
	if f.err != nil {
		return "", f.err
	}
	return strings.TrimSpace(sb.String()), nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) answers() []event.Answer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Answer
	for _, ev := range r.events {
		if a, ok := ev.(event.Answer); ok {
			out = append(out, a)
		}
	}
	return out
}

func newTestManager(t *testing.T, s Streamer, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	bus := event.NewBus(zaptest.NewLogger(t))
	rec := &recorder{}
	bus.Subscribe(event.Filter{}, rec.handle)
	m := NewManager(s, bus, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	return m, rec
}

func waitJobs(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

var dialogue = []model.Message{
	{Role: model.RoleSystem, Content: "sys"},
	{Role: model.RoleUser, Content: "Hello"},
}

func TestSubmitStreamsAndAnswers(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"Hi", " there"}}
	m, rec := newTestManager(t, s)

	jobID, err := m.Submit(context.Background(), dialogue, "chat-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitJobs(t, m)

	want := []event.Kind{event.KindStreamStarted, event.KindChunk, event.KindChunk, event.KindAnswer}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	answers := rec.answers()
	if answers[0].Text != "Hi there" || answers[0].Err {
		t.Errorf("unexpected answer %+v", answers[0])
	}
	if answers[0].TempID != model.TempID(jobID) || answers[0].ChatID != "chat-1" {
		t.Errorf("answer ids wrong: %+v", answers[0])
	}

	job, ok := m.Job(jobID)
	if !ok || job.Status != StatusDone || job.Answer != "Hi there" {
		t.Errorf("unexpected job %+v", job)
	}
	if job.MessageID() != "msg-"+jobID {
		t.Errorf("MessageID() = %s", job.MessageID())
	}
}

func TestSubmitErrorBecomesAnswer(t *testing.T) {
	s := &fakeStreamer{err: errors.New("connection refused")}
	m, rec := newTestManager(t, s, WithLanguage("ru"))

	jobID, err := m.Submit(context.Background(), dialogue, "chat-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitJobs(t, m)

	answers := rec.answers()
	if len(answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(answers))
	}
	if !answers[0].Err || answers[0].Text != ErrorMessage("ru") {
		t.Errorf("unexpected error answer %+v", answers[0])
	}

	job, _ := m.Job(jobID)
	if job.Status != StatusError {
		t.Errorf("status = %s, want error", job.Status)
	}
	if job.Error != "connection refused" {
		t.Errorf("job error = %q", job.Error)
	}
}

func TestBackgroundSuppressesStreamEvents(t *testing.T) {
	tests := []struct {
		name       string
		foreground bool
		visible    bool
	}{
		{"backgrounded", false, true},
		{"other screen", true, false},
		{"both", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeStreamer{chunks: []string{"a", "b"}}
			m, rec := newTestManager(t, s)
			m.SetForeground(tt.foreground)
			m.SetScreenVisible(tt.visible)

			if _, err := m.Submit(context.Background(), dialogue, "c"); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitJobs(t, m)

			kinds := rec.kinds()
			if len(kinds) != 1 || kinds[0] != event.KindAnswer {
				t.Errorf("events = %v, want only answer", kinds)
			}
			if rec.answers()[0].Text != "ab" {
				t.Errorf("answer = %q, want full accumulation", rec.answers()[0].Text)
			}
		})
	}
}

func TestBackgroundMidStream(t *testing.T) {
	var m *Manager
	s := &fakeStreamer{chunks: []string{"one ", "two ", "three"}}
	s.chunkHook = func(i int) {
		if i == 1 {
			m.SetForeground(false)
		}
	}
	m, rec := newTestManager(t, s)

	if _, err := m.Submit(context.Background(), dialogue, "c"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitJobs(t, m)

	chunks := 0
	for _, k := range rec.kinds() {
		if k == event.KindChunk {
			chunks++
		}
	}
	if chunks != 1 {
		t.Errorf("delivered %d chunks, want 1", chunks)
	}
	if got := rec.answers()[0].Text; got != "one two three" {
		t.Errorf("answer = %q", got)
	}
}

func TestGenerationLock(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"x"}, release: make(chan struct{})}
	m, _ := newTestManager(t, s)
	ctx := context.Background()

	first, err := m.Submit(ctx, dialogue, "c")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := m.Submit(ctx, dialogue, "c"); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("second submit err = %v, want ErrGenerationInProgress", err)
	}
	if _, err := m.Submit(ctx, dialogue, "other"); err != nil {
		t.Errorf("other chat should not be locked: %v", err)
	}

	pending, ok := m.Pending("c")
	if !ok || pending.ID != first {
		t.Errorf("Pending = %+v, %v", pending, ok)
	}

	close(s.release)
	waitJobs(t, m)

	if _, ok := m.Pending("c"); ok {
		t.Error("chat still pending after completion")
	}
	if _, err := m.Submit(ctx, dialogue, "c"); err != nil {
		t.Errorf("submit after completion: %v", err)
	}
	waitJobs(t, m)
}

func TestReserveHoldsSlot(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"x"}}
	m, _ := newTestManager(t, s)
	ctx := context.Background()

	r, err := m.Reserve("c")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := m.Reserve("c"); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("second reserve err = %v, want ErrGenerationInProgress", err)
	}
	if _, err := m.Submit(ctx, dialogue, "c"); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("submit over reservation err = %v, want ErrGenerationInProgress", err)
	}
	if _, ok := m.Pending("c"); ok {
		t.Error("a reservation is not a pending job")
	}

	id, err := r.Submit(ctx, dialogue)
	if err != nil {
		t.Fatalf("reservation Submit: %v", err)
	}
	if _, err := r.Submit(ctx, dialogue); !errors.Is(err, ErrReservationUsed) {
		t.Errorf("second use err = %v, want ErrReservationUsed", err)
	}
	r.Release()
	waitJobs(t, m)

	j, ok := m.Job(id)
	if !ok || j.Status != StatusDone {
		t.Errorf("Job = %+v, %v", j, ok)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	m, _ := newTestManager(t, &fakeStreamer{chunks: []string{"x"}})
	ctx := context.Background()

	r, err := m.Reserve("c")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	r.Release()
	r.Release()

	if _, err := r.Submit(ctx, dialogue); !errors.Is(err, ErrReservationUsed) {
		t.Errorf("submit after release err = %v, want ErrReservationUsed", err)
	}
	if _, err := m.Submit(ctx, dialogue, "c"); err != nil {
		t.Errorf("submit after release: %v", err)
	}
	waitJobs(t, m)
}

func TestReserveConcurrent(t *testing.T) {
	m, _ := newTestManager(t, &fakeStreamer{chunks: []string{"x"}})

	const n = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Reserve("c"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d reservations won, want 1", won)
	}
}

func TestPendingFalseWhileAnswerHandled(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"x"}}
	bus := event.NewBus(nil)
	m := NewManager(s, bus)

	var pendingDuringAnswer, lockedDuringAnswer bool
	bus.Subscribe(event.Filter{Kinds: []event.Kind{event.KindAnswer}}, func(ev event.Event) {
		_, pendingDuringAnswer = m.Pending(ev.Chat())
		_, err := m.Submit(context.Background(), dialogue, ev.Chat())
		lockedDuringAnswer = errors.Is(err, ErrGenerationInProgress)
	})

	if _, err := m.Submit(context.Background(), dialogue, "c"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitJobs(t, m)

	if pendingDuringAnswer {
		t.Error("Pending should be false once the answer is published")
	}
	if !lockedDuringAnswer {
		t.Error("chat should stay locked until answer handlers return")
	}
}

func TestSubmitCopiesDialogue(t *testing.T) {
	s := &fakeStreamer{release: make(chan struct{})}
	m, _ := newTestManager(t, s)

	d := model.CloneMessages(dialogue)
	if _, err := m.Submit(context.Background(), d, "c"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	d[1].Content = "mutated"
	close(s.release)
	waitJobs(t, m)

	if got := s.seen[0][1].Content; got != "Hello" {
		t.Errorf("streamer saw %q, want original dialogue", got)
	}
}

func TestJobIDsUnique(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	s := &fakeStreamer{}
	m, _ := newTestManager(t, s, WithClock(func() time.Time { return fixed }))

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, err := m.Submit(context.Background(), dialogue, string(rune('a'+i)))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true
	}
	waitJobs(t, m)
	if len(m.Jobs()) != 5 {
		t.Errorf("Jobs() = %d entries", len(m.Jobs()))
	}
}

func TestHistoryPruned(t *testing.T) {
	s := &fakeStreamer{}
	m, _ := newTestManager(t, s, WithMaxHistory(2))

	for i := 0; i < 4; i++ {
		if _, err := m.Submit(context.Background(), dialogue, "c"); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		waitJobs(t, m)
	}
	if n := len(m.Jobs()); n != 2 {
		t.Errorf("kept %d jobs, want 2", n)
	}
}

func TestCloseRejectsAndCancels(t *testing.T) {
	s := &fakeStreamer{release: make(chan struct{})}
	m, rec := newTestManager(t, s)

	if _, err := m.Submit(context.Background(), dialogue, "c"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close err = %v", err)
	}
	waitJobs(t, m)

	if _, err := m.Submit(context.Background(), dialogue, "c"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("submit after close err = %v", err)
	}
	answers := rec.answers()
	if len(answers) != 1 || !answers[0].Err {
		t.Errorf("cancelled job should finish with error answer, got %+v", answers)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDone, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusPending, false},
		{StatusDone, StatusError, false},
		{StatusError, StatusDone, false},
		{StatusDone, StatusPending, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	if ErrorMessage("RU") != "Ошибка: не удалось связаться с моделью." {
		t.Errorf("unexpected ru message %q", ErrorMessage("RU"))
	}
	if ErrorMessage("de") != "Error: could not reach the model." {
		t.Errorf("unknown language should fall back to English")
	}
}
