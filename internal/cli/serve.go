// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/server"
)

func (a *App) runServe(ctx context.Context, p *ArgParser) error {
	if addr := p.Flag("addr"); addr != "" {
		a.cfg.Server.Addr = addr
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}
	if token := p.Flag("token"); token != "" {
		a.cfg.Server.AuthToken = token
	}

	svc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer a.closeService(svc)

	srv := server.New(svc, a.cfg.Server, server.WithLogger(a.logger.Named("server")))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err == nil {
			g.Go(func() error {
				err := config.Watch(ctx, a.configPath, config.DefaultWatchDebounce,
					func(cfg *config.Config) {
						svc.ApplyConfig(cfg.Assistant)
						a.logger.Info("configuration reloaded", zap.String("path", a.configPath))
					},
					func(err error) {
						a.logger.Warn("ignoring invalid configuration", zap.Error(err))
					})
				if err != nil {
					a.logger.Warn("config reload disabled", zap.Error(err))
				}
				return nil
			})
		}
	}

	a.printf("%s http://%s\n", SuccessStyle.Render("Listening on"), srv.Addr())
	if a.cfg.Server.AuthToken == "" {
		a.printf("%s\n", WarningStyle.Render("No auth token set; only use this on a trusted machine."))
	}
	return g.Wait()
}
