// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for bizcopilot.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, validation and live reload.
//
// # Key Types
//
//   - Config: root configuration
//   - ModelConfig: remote chat-completion endpoint
//   - StorageConfig: general key/value backend and vault location
//   - AssistantConfig: context budget, dedup window, attachment limits
//
// # Configuration Precedence
//
//   - Environment variables (BIZCOPILOT_*)
//   - ~/.bizcopilot/config.toml
//   - ~/.bizcopilot/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	go config.Watch(ctx, path, 0, apply, logErr)
package config
