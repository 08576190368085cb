// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/bizcopilot/internal/event"
	"github.com/jeranaias/bizcopilot/internal/model"
)

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestViewRendersStreamAndFinalAnswer(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{chunks: []string{"Hi", " there"}})
	chat, err := svc.Repo().CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var updates atomic.Int32
	view := svc.OpenView(ctx, chat.ID, func() { updates.Add(1) })
	defer view.Close()

	res, err := svc.Send(ctx, chat.ID, "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	view.Sent(res)
	waitIdle(t, svc)

	msgs := view.Messages()
	if len(msgs) != 2 {
		t.Fatalf("view has %d messages: %v", len(msgs), ids(msgs))
	}
	if msgs[0].Content != "Hello" || msgs[1].ID != model.FinalID(res.JobID) || msgs[1].Content != "Hi there" {
		t.Errorf("unexpected view %+v", msgs)
	}
	if view.Loading() {
		t.Error("loading should be cleared by the answer")
	}
	if updates.Load() == 0 {
		t.Error("onChange was never called")
	}
}

func TestViewFinalAnswerReplacesChunks(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{})
	view := svc.OpenView(ctx, "c1", nil)
	defer view.Close()

	bus := svc.Bus()
	bus.Publish(event.StreamStarted{ChatID: "c1", JobID: "7", TempID: "temp-7"})
	bus.Publish(event.Chunk{ChatID: "c1", JobID: "7", TempID: "temp-7", Text: "Hel"})
	bus.Publish(event.Chunk{ChatID: "c1", JobID: "7", TempID: "temp-7", Text: "lo wrld"})

	msgs := view.Messages()
	if len(msgs) != 1 || msgs[0].ID != "temp-7" || msgs[0].Content != "Hello wrld" {
		t.Fatalf("placeholder = %+v", msgs)
	}
	if !view.Loading() {
		t.Error("stream start should set loading")
	}

	bus.Publish(event.Answer{ChatID: "c1", JobID: "7", TempID: "temp-7", Text: "Hello world\n"})
	msgs = view.Messages()
	if len(msgs) != 1 || msgs[0].ID != "msg-7" || msgs[0].Content != "Hello world" {
		t.Errorf("final = %+v", msgs)
	}
	if view.Loading() {
		t.Error("answer should clear loading")
	}
}

func TestViewIgnoresOtherChats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{})
	view := svc.OpenView(ctx, "c1", nil)
	defer view.Close()

	svc.Bus().Publish(event.Chunk{ChatID: "c2", JobID: "1", TempID: "temp-1", Text: "x"})
	if got := view.Messages(); len(got) != 0 {
		t.Errorf("view picked up another chat: %+v", got)
	}
}

func TestViewDropsPlaceholderWhenAnswerPresent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{})
	view := svc.OpenView(ctx, "c1", nil)
	defer view.Close()

	bus := svc.Bus()
	bus.Publish(event.Answer{ChatID: "c1", JobID: "3", TempID: "temp-3", Text: "Same"})
	bus.Publish(event.StreamStarted{ChatID: "c1", JobID: "3", TempID: "temp-3"})
	bus.Publish(event.Answer{ChatID: "c1", JobID: "3", TempID: "temp-3", Text: "Same"})

	if got := ids(view.Messages()); len(got) != 1 || got[0] != "msg-3" {
		t.Errorf("ids = %v", got)
	}
}

func TestViewResumeDerivesPending(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{chunks: []string{"later"}, release: make(chan struct{})}
	svc, _ := newTestService(t, streamer)
	chat, err := svc.Repo().CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}

	svc.SetForeground(false)
	if _, err := svc.Send(ctx, chat.ID, "question", nil); err != nil {
		t.Fatal(err)
	}

	// A screen mounted while backgrounded sees the stored question and
	// the pending job, but no stream events.
	view := svc.OpenView(ctx, chat.ID, nil)
	defer view.Close()
	if !view.Loading() {
		t.Error("pending job should show loading")
	}
	if got := view.Messages(); len(got) != 1 || got[0].Content != "question" {
		t.Errorf("messages = %+v", got)
	}

	close(streamer.release)
	waitIdle(t, svc)

	svc.SetForeground(true)
	view.Resume(ctx)
	if view.Loading() {
		t.Error("loading should clear after the answer")
	}
	msgs := view.Messages()
	if len(msgs) != 2 || msgs[1].Content != "later" {
		t.Errorf("messages after resume = %+v", msgs)
	}
}

func TestViewSentAfterFastAnswer(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &fakeStreamer{chunks: []string{"instant"}})
	chat, err := svc.Repo().CreateChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	view := svc.OpenView(ctx, chat.ID, nil)
	defer view.Close()

	res, err := svc.Send(ctx, chat.ID, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitIdle(t, svc)
	view.Sent(res)

	msgs := view.Messages()
	if len(msgs) != 2 || msgs[0].ID != res.UserMessage.ID || msgs[1].ID != model.FinalID(res.JobID) {
		t.Errorf("order = %v", ids(msgs))
	}
	if view.Loading() {
		t.Error("finished job should not show loading")
	}
}
