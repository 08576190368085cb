// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/cloud"
	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/jobs"
	"github.com/jeranaias/bizcopilot/internal/securestore"
	"github.com/jeranaias/bizcopilot/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitNotFound     = 7
	ExitTimeout      = 8
	ExitBusy         = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a bad argument.
type UsageError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *UsageError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("invalid %s", e.Field)
		if e.Value != "" {
			msg += fmt.Sprintf(" '%s'", e.Value)
		}
		msg += ": " + e.Reason
	}
	if e.Example != "" {
		msg += "\n  Example: " + e.Example
	}
	return msg
}

// NewUsageError creates a UsageError.
func NewUsageError(field, value, reason string) error {
	return &UsageError{Field: field, Value: value, Reason: reason}
}

// ErrMissingArgument reports a required argument that was not given.
func ErrMissingArgument(name, example string) error {
	return &UsageError{Reason: fmt.Sprintf("missing required argument: %s", name), Example: example}
}

// ErrUnknownSubcommand reports a subcommand the command does not have.
func ErrUnknownSubcommand(command, sub string) error {
	return &UsageError{Reason: fmt.Sprintf("unknown %s subcommand '%s' (see 'bizcopilot help')", command, sub)}
}

// silentError is returned when the command already printed the failure.
type silentError struct{ err error }

func (e silentError) Error() string { return e.err.Error() }
func (e silentError) Unwrap() error { return e.err }

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps an error to a process exit code.
func GetExitCode(err error) int {
	var usage *UsageError
	var cfgErr config.ValidateErrors
	var apiErr *cloud.APIError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, storage.ErrChatNotFound):
		return ExitNotFound
	case errors.Is(err, jobs.ErrGenerationInProgress):
		return ExitBusy
	case errors.Is(err, cloud.ErrAuthFailed):
		return ExitAuthError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	case errors.Is(err, cloud.ErrTransport), errors.Is(err, cloud.ErrNotConfigured):
		return ExitNetworkError
	case errors.As(err, &apiErr):
		return ExitNetworkError
	case errors.Is(err, assistant.ErrEmptyMessage), errors.Is(err, securestore.ErrReservedKey):
		return ExitUsageError
	}
	return ExitGeneralError
}

// DisplayError prints err in the human or JSON format.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	var silent silentError
	if err == nil || errors.As(err, &silent) {
		return
	}
	if jsonMode {
		_ = writeJSON(w, NewJSONErrorResponse(command, err))
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
