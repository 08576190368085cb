// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat persistence on top of the secure store.
//
// The chat index and each chat's message list are independent values in the
// key/value store. Every write replaces a whole value; there is no cross-key
// transaction, so a crash between writing messages and bumping the chat's
// updatedAt leaves updatedAt stale but both values intact.
//
// # Key Types
//
//   - ChatRepository: chat CRUD and per-chat message lists
//   - KV: the subset of securestore.Store the repository needs
//
// # Keys
//
//	business_copilot_chats            JSON array of model.Chat, newest first
//	business_copilot_current_chat     id of the selected chat
//	business_copilot_messages_<id>    JSON array of model.Message
//
// # Usage
//
//	repo := storage.NewChatRepository(store, storage.WithLogger(logger))
//	chat, err := repo.CreateChat(ctx)
//	msgs, err := repo.UpdateMessages(ctx, chat.ID, func(m []model.Message) ([]model.Message, bool) {
//	    return append(m, userMsg), true
//	})
package storage
