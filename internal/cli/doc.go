// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for bizcopilot.
//
// # Commands
//
//   - chat: interactive REPL with line editing, history and slash commands
//   - ask: one question, answer printed as markdown or streamed raw
//   - chats: list, create, select, show, rename, delete and export chats
//   - store: inspect and migrate the encrypted key/value store
//   - serve: run the local HTTP API with live config reload
//   - config: show, get, set, init and locate the config file
//   - settings: notification and theme preferences
//
// # Usage
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	os.Exit(cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr))
//
// Every command accepts --json and then prints a JSONResponse envelope.
// Exit codes follow GetExitCode: 2 for usage errors, 7 for unknown chats,
// 9 when a chat already has an answer in progress.
package cli
