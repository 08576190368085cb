// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/bizcopilot/internal/util"
)

// File keeps every key in one JSON object on disk. The whole object is
// rewritten atomically on each change, which suits the small number of
// keys a chat history produces.
type File struct {
	mu     sync.RWMutex
	path   string
	data   map[string]string
	closed bool
}

// OpenFile loads path (if it exists) and returns a file backend.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file backend requires a path")
	}

	f := &File{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f.data); err != nil {
			return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
		}
	}
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) Keys(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return sortedKeys(f.data), nil
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev := f.data
	f.data = make(map[string]string)
	if err := f.flushLocked(); err != nil {
		f.data = prev
		return err
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// flushLocked writes the map to disk. Caller holds f.mu.
func (f *File) flushLocked() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	// RELIABILITY: atomic rewrite, a crash leaves the previous file intact
	if err := util.AtomicWriteFile(f.path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}
