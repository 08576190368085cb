// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvstore provides the general persistent key/value area that backs
// the secure store: an in-memory map, a single JSON file, SQLite or Redis.
//
// Every backend stores opaque strings. Each individual Get or Set is atomic;
// there are no cross-key transactions.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/config"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("kvstore: backend closed")

// Backend is a persistent string key/value store.
type Backend interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key in sorted order.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes every key owned by this backend.
	Clear(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		return OpenFile(cfg.Path)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "redis":
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

// Memory is a process-local Backend, used for tests and --ephemeral runs.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedKeys(m.data), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string]string)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
