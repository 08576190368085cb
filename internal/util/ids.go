// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strconv"
	"sync"
	"time"
)

// IDClock hands out decimal millisecond timestamps that are strictly
// increasing for the lifetime of the clock. Two calls in the same millisecond
// get consecutive values instead of colliding.
type IDClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDClock creates a clock backed by time.Now.
func NewIDClock() *IDClock {
	return &IDClock{now: time.Now}
}

// NewIDClockAt creates a clock with a custom time source (used by tests).
func NewIDClockAt(now func() time.Time) *IDClock {
	return &IDClock{now: now}
}

// NextMillis returns the next id as an integer.
func (c *IDClock) NextMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Next returns the next id as a decimal string.
func (c *IDClock) Next() string {
	return strconv.FormatInt(c.NextMillis(), 10)
}

// FormatMillis renders an epoch-millisecond id as a decimal string.
func FormatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
