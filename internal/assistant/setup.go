// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/cloud"
	"github.com/jeranaias/bizcopilot/internal/config"
	ctxpkg "github.com/jeranaias/bizcopilot/internal/context"
	"github.com/jeranaias/bizcopilot/internal/kvstore"
	"github.com/jeranaias/bizcopilot/internal/securestore"
	"github.com/jeranaias/bizcopilot/internal/security"
)

// OpenStore opens the configured backend and wraps it in the encrypted
// store. The caller owns the returned store and must Close it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*securestore.Store, error) {
	backend, err := kvstore.Open(ctx, cfg.Storage, logger.Named("kvstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	opts := []securestore.Option{
		securestore.WithLogger(logger.Named("securestore")),
		securestore.WithMaxSecureSize(cfg.Storage.SecureMaxSize),
		securestore.WithBulkPrefix(cfg.Storage.BulkPrefix),
		securestore.WithAllowDegraded(cfg.Security.AllowDegraded),
	}
	if cfg.Storage.VaultDir != "" {
		opts = append(opts, securestore.WithEnclave(security.NewKeyStore(cfg.Storage.VaultDir)))
	}
	if env := cfg.Security.PassphraseEnv; env != "" {
		if p := os.Getenv(env); p != "" {
			opts = append(opts, securestore.WithPassphrase(p))
		}
	}
	return securestore.New(backend, opts...), nil
}

// Open builds a Service from cfg: storage, encryption, the model client
// and the conversation limits. The service owns the store and closes it.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	status, err := store.Status(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	if status.Degraded {
		logger.Warn("secure store is in degraded mode: values are not authenticated")
	}

	client := cloud.NewFromConfig(cfg.Model, logger.Named("cloud"))
	if !client.IsConfigured() {
		logger.Warn("no model endpoint configured; answers will fail")
	}

	a := cfg.Assistant
	svc := New(store, client,
		WithLogger(logger),
		WithLanguage(a.Language),
		WithSystemPrompt(a.SystemPrompt),
		WithTrimmer(ctxpkg.NewTrimmer(&ctxpkg.TrimmerConfig{
			MaxTokens:   a.MaxContextTokens,
			MaxMessages: a.MaxHistoryMessages,
		})),
		WithExtractor(ctxpkg.NewTextExtractor(a.MaxAttachmentChars, a.Language)),
		WithDedupWindow(a.DedupWindow()),
		withCloser(store),
	)

	logger.Info("assistant opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("key_source", status.KeySource),
		zap.String("model", client.Model()),
		zap.String("endpoint", client.Endpoint()))
	return svc, nil
}
