// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/bizcopilot/internal/config"
)

// secretKeys are never printed by "config get".
var secretKeys = map[string]bool{
	"model.api_key":          true,
	"storage.redis_password": true,
	"server.auth_token":      true,
}

func (a *App) runConfig(p *ArgParser) error {
	sub := p.Subcommand()
	if sub == "" {
		sub = "show"
	}

	switch sub {
	case "show":
		redacted := a.cfg.Redacted()
		return a.emit("config show", redacted, func() {
			if err := toml.NewEncoder(a.out).Encode(redacted); err != nil {
				fmt.Fprintf(a.errOut, "%s %v\n", ErrorStyle.Render("[ERROR]"), err)
			}
		})

	case "path":
		return a.emit("config path", map[string]string{"path": a.configPath}, func() {
			fmt.Fprintln(a.out, a.configPath)
		})

	case "get":
		key := p.Positional(1)
		if key == "" {
			return ErrMissingArgument("key", "bizcopilot config get model.endpoint")
		}
		value, err := a.cfg.Redacted().Get(key)
		if err != nil {
			return NewUsageError("key", key, err.Error())
		}
		if secretKeys[key] {
			value = "********"
		}
		return a.emit("config get", map[string]any{"key": key, "value": value}, func() {
			fmt.Fprintln(a.out, value)
		})

	case "set":
		key, value := p.Positional(1), p.JoinFrom(2)
		if key == "" || p.PositionalCount() < 3 {
			return ErrMissingArgument("key and value", "bizcopilot config set assistant.language ru")
		}
		if err := a.cfg.Set(key, value); err != nil {
			return NewUsageError("key", key, err.Error())
		}
		if err := a.cfg.Validate(); err != nil {
			return err
		}
		if err := a.saveConfig(); err != nil {
			return err
		}
		return a.emit("config set", map[string]string{"key": key, "path": a.configPath}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Saved"), key)
		})

	case "init":
		if _, err := os.Stat(a.configPath); err == nil && !p.BoolFlag("force") {
			return NewUsageError("config", a.configPath, "already exists (use --force to overwrite)")
		}
		a.cfg = config.Default()
		a.cfg.SetDefaults()
		if err := a.saveConfig(); err != nil {
			return err
		}
		return a.emit("config init", map[string]string{"path": a.configPath}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Wrote"), a.configPath)
		})
	}
	return ErrUnknownSubcommand("config", sub)
}

func (a *App) saveConfig() error {
	if a.configPath == "" {
		return fmt.Errorf("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(a.configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if strings.HasSuffix(a.configPath, ".json") {
		return config.SaveJSON(a.cfg, a.configPath)
	}
	return config.SaveTOML(a.cfg, a.configPath)
}
