// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the chat repository,
// the job manager and the assistant service.
//
// # Key Types
//
//   - Chat: chat metadata kept in the chat index
//   - Message: one user or assistant turn, owned by its chat
//   - Attachment: a file submitted with a user turn
//
// # Message ids
//
// Persisted assistant answers use FinalID(jobID) ("msg-<jobID>"). While a job
// streams, the live view shows a placeholder with TempID(jobID)
// ("temp-<jobID>"); placeholder ids are never written to storage.
package model
