// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the client for OpenAI-compatible chat completion
// endpoints such as LM Studio, llama.cpp server or a hosted gateway.
//
// # Key Types
//
//   - Client: chat completions with retry, rate limiting and size limits
//   - APIError: non-2xx response with status, code and message
//   - StreamError: a stream that failed after producing partial text
//
// # Usage
//
//	client := cloud.NewClient(endpoint, cloud.WithModel("local-model"))
//	answer, err := client.Complete(ctx, msgs)
//
//	answer, err = client.CompleteStream(ctx, msgs, func(chunk string) {
//	    fmt.Print(chunk)
//	})
//
// # Security
//
// API keys are sent as bearer tokens and never logged. Response bodies are
// capped at MaxResponseSize.
package cloud
