// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/logging"
)

// redisOpTimeout bounds each round trip.
const redisOpTimeout = 3 * time.Second

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key so several installs can share a server.
	Prefix string
}

// Redis stores keys as plain Redis strings under a prefix.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedis(client, opts.Prefix, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, logger: logging.OrNop(logger)}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

// Keys scans the prefix; it never uses KEYS so large servers are not blocked.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	full, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	full, err := r.scan(ctx)
	if err != nil {
		return err
	}
	if len(full) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	r.logger.Debug("redis namespace cleared", zap.String("prefix", r.prefix), zap.Int("keys", len(full)))
	return nil
}

func (r *Redis) scan(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	var (
		out    []string
		cursor uint64
	)
	pattern := escapeGlob(r.prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan kv: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// escapeGlob quotes the characters Redis MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
