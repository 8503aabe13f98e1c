// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types and exit codes shared by every gemlet command.
//
// Handlers always return errors and never exit. Run displays the error once
// and turns it into an exit code with GetExitCode.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/jeranaias/gemlet/internal/analyze"
	"github.com/jeranaias/gemlet/internal/config"
	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
	"github.com/jeranaias/gemlet/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration file, setting or request
	// that the model server client rejected before sending
	ExitConfigError = 3
	// ExitNetworkError indicates the model server could not be reached
	ExitNetworkError = 5
	// ExitNotFoundError indicates a file, transcript or model was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates the request deadline passed
	ExitTimeoutError = 8
	// ExitServerError indicates the model server failed or sent garbage
	ExitServerError = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // Command that failed (e.g., "history", "analyze")
	Action  string // Action being performed (e.g., "show", "export")
	Reason  string // Human-readable reason
	Err     error  // Underlying error (if any)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError represents a validation failure for user input.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   string // Value that was provided
	Reason  string // Why validation failed
	Example string // Example of valid value (optional)
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string // Type of resource (e.g., "transcript", "model")
	ID       string // Identifier that was not found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError reports a configuration file that could not be loaded.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR CONSTRUCTION HELPERS
// =============================================================================

// NewCommandError creates a new command error.
func NewCommandError(command, action, reason string, err error) error {
	return &CommandError{Command: command, Action: action, Reason: reason, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ErrMissingArgument creates an error for missing required arguments.
func ErrMissingArgument(argName, usage string) error {
	return &ValidationError{
		Field:   argName,
		Reason:  "required argument missing",
		Example: usage,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w. In JSON mode the error envelope goes to w
// instead of the styled line.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		NewJSONErrorResponse(command, err).Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), describeError(err))
}

// describeError renders inference failures as "Kind: detail" so the user
// sees what kind of failure happened.
func describeError(err error) string {
	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		msg := ce.Kind.String() + ": " + ce.Detail
		if ce.Timeout {
			msg += " (timed out)"
		}
		return msg
	}
	return err.Error()
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case ollama.ErrKindConfiguration:
			return ExitConfigError
		case ollama.ErrKindNetwork:
			if ce.Timeout {
				return ExitTimeoutError
			}
			return ExitNetworkError
		case ollama.ErrKindServer, ollama.ErrKindMalformedResponse:
			return ExitServerError
		}
	}

	var (
		validationErr *ValidationError
		inputErr      *analyze.InputError
		unknownErr    *prompts.UnknownNameError
		notFoundErr   *NotFoundError
		configErr     *ConfigError
		cfgValidErr   config.ValidateErrors
		capacityErr   *history.ConfigurationError
	)
	switch {
	case errors.As(err, &notFoundErr),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, fs.ErrNotExist):
		return ExitNotFoundError
	case errors.As(err, &validationErr),
		errors.As(err, &inputErr),
		errors.As(err, &unknownErr):
		return ExitUsageError
	case errors.As(err, &configErr),
		errors.As(err, &cfgValidErr),
		errors.As(err, &capacityErr):
		return ExitConfigError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}
	return ExitGeneralError
}
