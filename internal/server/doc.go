// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes an assistant.Service over HTTP.
//
// # Endpoints
//
//   - GET    /v1/chats                - List chats and the current chat id
//   - POST   /v1/chats                - Create and select a chat
//   - GET    /v1/chats/{id}           - Chat metadata
//   - PATCH  /v1/chats/{id}           - Rename a chat
//   - DELETE /v1/chats/{id}           - Delete a chat and its messages
//   - POST   /v1/chats/{id}/select    - Make a chat current
//   - GET    /v1/chats/{id}/messages  - Stored messages and the loading flag
//   - POST   /v1/chats/{id}/messages  - Send a message (202 Accepted)
//   - GET    /v1/chats/{id}/events    - Server-sent stream events
//   - GET    /v1/chats/{id}/export    - Transcript as md, json or html
//   - GET    /v1/ws                   - WebSocket stream events
//   - POST   /v1/lifecycle            - Foreground and screen visibility
//   - GET    /v1/personas             - Business personas
//   - GET    /v1/settings             - User settings
//   - PATCH  /v1/settings             - Update user settings
//   - GET    /health                  - Health check
//
// Sending returns as soon as the user message is stored. The answer arrives
// on the event streams and is persisted before it is delivered, so a client
// that reconnects can always reload it from the messages endpoint.
//
// # Errors
//
// Error bodies are {"error": "..."}. An unknown chat is 404, a chat with a
// pending answer is 409 and an empty message is 400.
//
// # Middleware
//
// Requests pass through recovery, zap request logging, security headers,
// CORS, a per-IP token bucket and bearer authentication, in that order.
// /health is served without a token.
//
// # Usage
//
//	srv := server.New(svc, cfg.Server, server.WithLogger(logger))
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
