// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assistant wires the chat repository, the job manager and the
// dialogue builders into one explicitly constructed service.
//
// A Service is created once at startup, started, and closed on shutdown:
//
//	svc, err := assistant.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	svc.Start(ctx)
//	defer svc.Close(ctx)
//
//	chat, _ := svc.Repo().CreateChat(ctx)
//	res, err := svc.Send(ctx, chat.ID, "How do I register a company?", nil)
//
// The service's reconciler persists every answer exactly once under
// msg-<jobId>. Screens observe a chat through a View, which renders the
// in-flight placeholder, accumulates chunks and swaps in the final answer.
package assistant
