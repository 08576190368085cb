// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobs runs streaming model generations in the background.
//
// Each submitted dialogue becomes a Job that moves from pending to done or
// error exactly once. Progress is published on an event.Bus: a stream-start
// and chunk events while the host is foregrounded with the chat screen
// visible, and a final answer event always. Transport failures are turned
// into an answer carrying a localized error message, so callers never need
// to handle a failed generation separately.
//
// # Key Types
//
//   - Manager: job table, per-chat generation lock, lifecycle flags
//   - Job: read-only snapshot of one generation
//   - Reservation: a chat's generation slot held before the job starts
//   - Streamer: the model client the manager drives
//
// # Usage
//
//	mgr := jobs.NewManager(client, bus, jobs.WithLogger(logger))
//	jobID, err := mgr.Submit(ctx, dialogue, chatID)
//	if errors.Is(err, jobs.ErrGenerationInProgress) {
//	    // a reply for this chat is still streaming
//	}
//
//	// Hold the slot while persisting the user's message.
//	slot, err := mgr.Reserve(chatID)
//	if err != nil {
//	    return err
//	}
//	defer slot.Release()
//	jobID, err = slot.Submit(ctx, dialogue)
//
//	defer mgr.Close(ctx)
package jobs
