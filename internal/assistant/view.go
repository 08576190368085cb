// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"strings"
	"sync"

	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/model"
)

// View is the live state of one chat screen: the persisted messages, an
// in-flight placeholder filled by chunks, and the loading flag.
type View struct {
	svc      *Service
	chatID   string
	onChange func()

	mu      sync.Mutex
	msgs    []model.Message
	loading bool
	jobID   string
	sub     *event.Subscription
}

// OpenView loads chatID and subscribes to its events. onChange, if set, is
// called after every update outside the view's lock.
func (s *Service) OpenView(ctx context.Context, chatID string, onChange func()) *View {
	v := &View{svc: s, chatID: chatID, onChange: onChange}
	v.Resume(ctx)
	v.sub = s.bus.Subscribe(event.Filter{ChatID: chatID}, v.handle)
	return v
}

// ChatID returns the chat the view shows.
func (v *View) ChatID() string { return v.chatID }

// Close unsubscribes the view. It is safe to call more than once.
func (v *View) Close() {
	v.sub.Unsubscribe()
}

// Resume reloads persisted messages and re-derives the loading flag from
// the job table. Call it when the app returns to the foreground or the
// chat screen is shown again.
func (v *View) Resume(ctx context.Context) {
	stored := v.svc.repo.LoadMessages(ctx, v.chatID)
	msgs := make([]model.Message, 0, len(stored))
	for _, m := range stored {
		if !model.IsTemporary(m.ID) {
			msgs = append(msgs, m)
		}
	}
	job, pending := v.svc.jobs.Pending(v.chatID)

	v.mu.Lock()
	v.msgs = msgs
	v.loading = pending
	v.jobID = ""
	if pending {
		v.jobID = job.ID
	}
	v.mu.Unlock()
	v.changed()
}

// Sent shows a just-sent user message and starts the loading indicator.
func (v *View) Sent(res *SendResult) {
	if res == nil || res.ChatID != v.chatID {
		return
	}
	v.mu.Lock()
	// Checked under the lock: a job that is not terminal yet cannot have
	// had its answer handled by this view.
	job, ok := v.svc.jobs.Job(res.JobID)
	finished := ok && job.Status.IsTerminal()
	if indexByID(v.msgs, res.UserMessage.ID) < 0 {
		// A fast answer may already be on screen; the question goes first.
		at := len(v.msgs)
		if i := indexByID(v.msgs, model.FinalID(res.JobID)); i >= 0 {
			at = i
		} else if i := indexByID(v.msgs, res.TempID); i >= 0 {
			at = i
		}
		v.msgs = append(v.msgs[:at], append([]model.Message{res.UserMessage}, v.msgs[at:]...)...)
	}
	if !finished {
		v.jobID = res.JobID
		v.loading = true
	}
	v.mu.Unlock()
	v.changed()
}

// Messages returns a copy of the displayed messages.
func (v *View) Messages() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return model.CloneMessages(v.msgs)
}

// Loading reports whether an answer is awaited.
func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

func (v *View) changed() {
	if v.onChange != nil {
		v.onChange()
	}
}

func (v *View) handle(ev event.Event) {
	v.mu.Lock()
	switch e := ev.(type) {
	case event.StreamStarted:
		v.loading = true
		v.jobID = e.JobID
		v.placeholder(e.TempID)
	case event.Chunk:
		i := v.placeholder(e.TempID)
		v.msgs[i].Content += e.Text
	case event.Answer:
		v.finish(e)
	}
	v.mu.Unlock()
	v.changed()
}

// placeholder returns the index of the temp message, adding it if missing.
func (v *View) placeholder(tempID string) int {
	if i := indexByID(v.msgs, tempID); i >= 0 {
		return i
	}
	v.msgs = append(v.msgs, model.Message{
		ID:        tempID,
		Role:      model.RoleAssistant,
		Timestamp: v.svc.now().UnixMilli(),
	})
	return len(v.msgs) - 1
}

// finish swaps the placeholder for the final answer. The answer text
// always replaces whatever the chunks assembled.
func (v *View) finish(e event.Answer) {
	finalID := model.FinalID(e.JobID)
	text := strings.TrimSpace(e.Text)
	tempPrefix := model.TempID(e.JobID)
	isTemp := func(m model.Message) bool {
		return m.ID == e.TempID || strings.HasPrefix(m.ID, tempPrefix)
	}

	present := indexByID(v.msgs, finalID) >= 0
	if !present {
		for _, m := range v.msgs {
			if !isTemp(m) && m.Role == model.RoleAssistant && strings.TrimSpace(m.Content) == text {
				present = true
				break
			}
		}
	}

	switch i := indexByID(v.msgs, e.TempID); {
	case present:
		kept := v.msgs[:0]
		for _, m := range v.msgs {
			if !isTemp(m) {
				kept = append(kept, m)
			}
		}
		v.msgs = kept
	case i >= 0:
		v.msgs[i].ID = finalID
		v.msgs[i].Content = text
	default:
		v.msgs = append(v.msgs, model.Message{
			ID:        finalID,
			Role:      model.RoleAssistant,
			Content:   text,
			Timestamp: v.svc.now().UnixMilli(),
		})
	}

	if v.jobID == "" || v.jobID == e.JobID {
		v.loading = false
		v.jobID = ""
	}
}

func indexByID(msgs []model.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
