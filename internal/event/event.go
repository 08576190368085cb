// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event provides the typed publish/subscribe bus that carries
// generation progress from the job manager to views and the reconciler.
//
// Subscribers filter by chat id and event kind when subscribing, so a view
// for one chat never sees another chat's chunks. Handlers run synchronously
// on the publishing goroutine in subscription order.
package event

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/logging"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Kind identifies an event type.
type Kind string

const (
	// KindStreamStarted is published when a job begins streaming.
	KindStreamStarted Kind = "stream_started"

	// KindChunk carries one streamed fragment.
	KindChunk Kind = "chunk"

	// KindAnswer carries the final answer or the error answer.
	KindAnswer Kind = "answer"
)

// Event is implemented by every bus event.
type Event interface {
	Kind() Kind
	Chat() string
	Job() string
}

// StreamStarted announces the placeholder message for a new job.
type StreamStarted struct {
	ChatID string `json:"chatId"`
	JobID  string `json:"jobId"`
	TempID string `json:"tempId"`
}

func (e StreamStarted) Kind() Kind   { return KindStreamStarted }
func (e StreamStarted) Chat() string { return e.ChatID }
func (e StreamStarted) Job() string  { return e.JobID }

// Chunk is one streamed fragment of an answer.
type Chunk struct {
	ChatID string `json:"chatId"`
	JobID  string `json:"jobId"`
	TempID string `json:"tempId"`
	Text   string `json:"chunk"`
}

func (e Chunk) Kind() Kind   { return KindChunk }
func (e Chunk) Chat() string { return e.ChatID }
func (e Chunk) Job() string  { return e.JobID }

// Answer is the final text of a job. Err marks a localized error answer.
type Answer struct {
	ChatID string `json:"chatId"`
	JobID  string `json:"jobId"`
	TempID string `json:"tempId"`
	Text   string `json:"answer"`
	Err    bool   `json:"error,omitempty"`
}

func (e Answer) Kind() Kind   { return KindAnswer }
func (e Answer) Chat() string { return e.ChatID }
func (e Answer) Job() string  { return e.JobID }

// Filter selects events. Zero values match everything.
type Filter struct {
	ChatID string
	Kinds  []Kind
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev Event) bool {
	if f.ChatID != "" && ev.Chat() != f.ChatID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, ev.Kind())
}

// =============================================================================
// BUS
// =============================================================================

// Handler receives matching events.
type Handler func(Event)

// Bus dispatches events to filtered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	logger *zap.Logger
}

// Subscription is a registered handler. Unsubscribe is idempotent.
type Subscription struct {
	id      uint64
	filter  Filter
	handler Handler
	bus     *Bus
	once    sync.Once
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logging.OrNop(logger)}
}

// Subscribe registers h for events matching f.
func (b *Bus) Subscribe(f Filter, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, filter: f, handler: h, bus: b}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes the subscription. Calling it again does nothing and
// never affects other subscribers.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(x *Subscription) bool { return x.id == s.id })
	})
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching subscriber. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.String("chat_id", ev.Chat()),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// Channel subscribes with f and forwards events to the returned channel
// until ctx is done, then unsubscribes and closes it. When the buffer is
// full, stream events are dropped; answers wait for room or ctx.
func (b *Bus) Channel(ctx context.Context, f Filter, buf int) <-chan Event {
	ch := make(chan Event, buf)
	var mu sync.Mutex
	closed := false

	sub := b.Subscribe(f, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		if ev.Kind() == KindAnswer {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow consumer",
				zap.String("kind", string(ev.Kind())), zap.String("chat_id", ev.Chat()))
		}
	})

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
