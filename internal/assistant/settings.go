// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assistant

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/storage"
)

// Settings keys in the secure store.
const (
	NotificationsKey = "notifications_enabled"
	ThemeKey         = "@app_theme"
)

// Theme is the UI color preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme validates s.
func ParseTheme(s string) (Theme, error) {
	switch Theme(s) {
	case ThemeLight, ThemeDark:
		return Theme(s), nil
	}
	return "", fmt.Errorf("unknown theme %q (want light or dark)", s)
}

// Settings holds the user preferences persisted next to the chats.
type Settings struct {
	kv     storage.KV
	logger *zap.Logger
}

// NewSettings creates a Settings over kv.
func NewSettings(kv storage.KV, logger *zap.Logger) *Settings {
	return &Settings{kv: kv, logger: logging.OrNop(logger)}
}

// NotificationsEnabled reports the notification preference, true when unset.
func (s *Settings) NotificationsEnabled(ctx context.Context) bool {
	raw, ok, err := s.kv.Get(ctx, NotificationsKey)
	if err != nil {
		s.logger.Warn("failed to read notification setting", zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return enabled
}

// SetNotificationsEnabled stores the notification preference.
func (s *Settings) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	return s.kv.Set(ctx, NotificationsKey, strconv.FormatBool(enabled))
}

// Theme returns the stored theme, light when unset or invalid.
func (s *Settings) Theme(ctx context.Context) Theme {
	raw, ok, err := s.kv.Get(ctx, ThemeKey)
	if err != nil {
		s.logger.Warn("failed to read theme", zap.Error(err))
		return ThemeLight
	}
	if !ok {
		return ThemeLight
	}
	t, err := ParseTheme(raw)
	if err != nil {
		return ThemeLight
	}
	return t
}

// SetTheme stores the theme.
func (s *Settings) SetTheme(ctx context.Context, t Theme) error {
	if _, err := ParseTheme(string(t)); err != nil {
		return err
	}
	return s.kv.Set(ctx, ThemeKey, string(t))
}
