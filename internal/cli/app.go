// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/logging"
)

// closeTimeout bounds how long shutdown waits for pending answers.
const closeTimeout = 30 * time.Second

// stdin is read by chat and ask. Tests replace it.
var stdin io.Reader = os.Stdin

// App carries what every command needs: the loaded configuration, the
// logger and the output streams.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	out    io.Writer
	errOut io.Writer
	in     io.Reader

	json  bool
	quiet bool
}

func newApp(args *Args, stdout, stderr io.Writer) (*App, error) {
	var (
		cfg  *config.Config
		path = args.ConfigPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
		if p, perr := config.ConfigPathTOML(); perr == nil {
			path = p
		}
	}
	if err != nil {
		return nil, err
	}

	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.Lang != "" {
		cfg.Assistant.Language = args.Lang
	}
	if args.LogLevel != "" || args.Lang != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &App{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		out:        stdout,
		errOut:     stderr,
		in:         stdin,
		json:       args.JSON,
		quiet:      args.Quiet,
	}, nil
}

// Close flushes the logger.
func (a *App) Close() {
	_ = a.logger.Sync()
}

// openService opens the assistant and starts it. The caller must pass the
// result to closeService.
func (a *App) openService(ctx context.Context) (*assistant.Service, error) {
	svc, err := assistant.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close(context.Background())
		return nil, err
	}
	return svc, nil
}

func (a *App) closeService(svc *assistant.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		a.logger.Warn("assistant did not shut down cleanly", zap.Error(err))
	}
}

// printf writes human output unless --quiet or --json is set.
func (a *App) printf(format string, args ...any) {
	if a.quiet || a.json {
		return
	}
	fmt.Fprintf(a.out, format, args...)
}

// emit writes data as a JSON envelope in --json mode, otherwise calls human.
func (a *App) emit(command string, data any, human func()) error {
	if a.json {
		return writeJSON(a.out, NewJSONResponse(command, data))
	}
	human()
	return nil
}
