// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"strconv"

	"github.com/jeranaias/bizcopilot/internal/assistant"
)

// SettingsView is the --json payload of the settings command.
type SettingsView struct {
	NotificationsEnabled bool            `json:"notificationsEnabled"`
	Theme                assistant.Theme `json:"theme"`
}

func (a *App) runSettings(ctx context.Context, p *ArgParser) error {
	sub := p.Subcommand()
	if sub == "" {
		sub = "show"
	}

	svc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer a.closeService(svc)
	settings := svc.Settings()

	switch sub {
	case "show":
	case "notifications":
		v := p.Positional(1)
		var on bool
		switch v {
		case "on":
			on = true
		case "off":
		default:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return NewUsageError("notifications", v, "must be on or off")
			}
			on = b
		}
		if err := settings.SetNotificationsEnabled(ctx, on); err != nil {
			return err
		}
	case "theme":
		t, err := assistant.ParseTheme(p.Positional(1))
		if err != nil {
			return NewUsageError("theme", p.Positional(1), "must be light or dark")
		}
		if err := settings.SetTheme(ctx, t); err != nil {
			return err
		}
	default:
		return ErrUnknownSubcommand("settings", sub)
	}

	view := SettingsView{
		NotificationsEnabled: settings.NotificationsEnabled(ctx),
		Theme:                settings.Theme(ctx),
	}
	return a.emit("settings", view, func() {
		a.printf("%s %s\n", RenderLabel("Notifications"), RenderStatus(view.NotificationsEnabled, yesNo(view.NotificationsEnabled, "on", "off")))
		a.printf("%s %s\n", RenderLabel("Theme"), string(view.Theme))
	})
}
