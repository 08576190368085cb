// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes the
// result to onChange. Invalid files are reported through onError and the
// previous configuration stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename keep being tracked.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config), onError func(error)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if onError == nil {
		onError = func(error) {}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			cfg, err := LoadFromPath(absPath)
			if err != nil {
				onError(err)
				continue
			}
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(fmt.Errorf("watcher error: %w", err))
		}
	}
}
