// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/bizcopilot/internal/model"
)

// =============================================================================
// JOB STATUS
// =============================================================================

// Status represents the state of a generation job.
type Status string

const (
	// StatusPending indicates the model is still producing the answer
	StatusPending Status = "pending"

	// StatusDone indicates the answer completed successfully
	StatusDone Status = "done"

	// StatusError indicates the transport or model failed
	StatusError Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// isValidTransition allows only pending -> done and pending -> error.
func isValidTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// =============================================================================
// JOB
// =============================================================================

// Job is a snapshot of a generation job.
type Job struct {
	ID         string
	ChatID     string
	Status     Status
	Answer     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TempID returns the placeholder message id used while streaming.
func (j Job) TempID() string {
	return model.TempID(j.ID)
}

// MessageID returns the id the final assistant message is persisted under.
func (j Job) MessageID() string {
	return model.FinalID(j.ID)
}

// Duration returns how long the job has been running or took to finish.
func (j Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.FinishedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// record is the mutable job entry held in the manager's table.
type record struct {
	mu     sync.RWMutex
	job    Job
	cancel func()
}

func (r *record) snapshot() Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job
}

func (r *record) status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.Status
}

// finish moves the job to a terminal state.
func (r *record) finish(to Status, answer string, err error, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !isValidTransition(r.job.Status, to) {
		return fmt.Errorf("invalid status transition from %s to %s", r.job.Status, to)
	}
	r.job.Status = to
	r.job.Answer = answer
	r.job.FinishedAt = now
	if err != nil {
		r.job.Error = err.Error()
	}
	return nil
}
