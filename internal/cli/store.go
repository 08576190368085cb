// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/securestore"
)

// StoreValue is the --json payload of "store get".
type StoreValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

func (a *App) runStore(ctx context.Context, p *ArgParser) error {
	sub := p.Subcommand()
	if sub == "" {
		sub = "status"
	}

	store, err := assistant.OpenStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	switch sub {
	case "keys", "ls":
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		slices.Sort(keys)
		return a.emit("store keys", keys, func() {
			for _, k := range keys {
				fmt.Fprintln(a.out, k)
			}
		})

	case "get":
		key := p.Positional(1)
		if key == "" {
			return ErrMissingArgument("key", "bizcopilot store get @app_theme")
		}
		value, found, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		return a.emit("store get", StoreValue{Key: key, Value: value, Found: found}, func() {
			if !found {
				a.printf("%s %s\n", DimStyle.Render("(not set)"), key)
				return
			}
			fmt.Fprintln(a.out, value)
		})

	case "set":
		key, value := p.Positional(1), p.JoinFrom(2)
		if key == "" || p.PositionalCount() < 3 {
			return ErrMissingArgument("key and value", "bizcopilot store set notifications_enabled false")
		}
		if err := store.Set(ctx, key, value); err != nil {
			return err
		}
		return a.emit("store set", map[string]string{"key": key}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Stored"), key)
		})

	case "rm", "remove", "delete":
		key := p.Positional(1)
		if key == "" {
			return ErrMissingArgument("key", "bizcopilot store rm notifications_enabled")
		}
		if err := store.Remove(ctx, key); err != nil {
			return err
		}
		return a.emit("store rm", map[string]string{"key": key}, func() {
			a.printf("%s %s\n", SuccessStyle.Render("Removed"), key)
		})

	case "status":
		status, err := store.Status(ctx)
		if err != nil {
			return err
		}
		return a.emit("store status", status, func() { a.printStoreStatus(status) })

	case "migrate":
		n, err := store.Migrate(ctx)
		if err != nil {
			return err
		}
		return a.emit("store migrate", map[string]int{"migrated": n}, func() {
			a.printf("%s %d value(s) encrypted\n", SuccessStyle.Render("Migrated"), n)
		})
	}
	return ErrUnknownSubcommand("store", sub)
}

func (a *App) printStoreStatus(s securestore.Status) {
	a.printf("%s\n", TitleStyle.Render("Secure store"))
	a.printf("%s %s\n", RenderLabel("Backend"), a.cfg.Storage.Backend)
	a.printf("%s %s\n", RenderLabel("Key source"), s.KeySource)
	a.printf("%s %s\n", RenderLabel("Vault"), RenderStatus(s.EnclaveAvailable, yesNo(s.EnclaveAvailable, "available", "unavailable")))
	a.printf("%s %s\n", RenderLabel("Cipher"), RenderStatus(!s.Degraded, yesNo(!s.Degraded, "AES-256-GCM", "degraded XOR")))
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
