// Package errors provides the error taxonomy for firmhack.
//
// Each type carries the context needed to diagnose a failed run (which
// service, which step, which config field) and maps onto a process exit
// code via [ExitCode].
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrInterrupted    = errors.New("interrupted by operator")
	ErrNotRunning     = errors.New("service is not running")
	ErrTimeout        = errors.New("operation timed out")
)

// ── Exit codes ───────────────────────────────────────────────────────

const (
	ExitOK          = 0 // clean shutdown (operator or primary exit)
	ExitFailure     = 1 // internal failure: launch, network, unexpected exit
	ExitConfig      = 2 // configuration could not be loaded or validated
	ExitInterrupted = 3 // interrupted before the AP was running
)

// ── Structured error types ───────────────────────────────────────────

// ValidationError represents a missing or invalid configuration value.
type ValidationError struct {
	Field   string      // dotted config key, e.g. "ap.interface"
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
	Err     error       // underlying error (decode failure etc.)
}

func (e *ValidationError) Error() string {
	msg := "config"
	if e.Field != "" {
		msg += ": " + e.Field
		if e.Value != nil {
			msg += fmt.Sprintf("=%v", e.Value)
		}
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LaunchError is returned when a service process could not be started.
type LaunchError struct {
	Service string
	Path    string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.Service, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NetworkStateError represents a failed kernel network mutation.
type NetworkStateError struct {
	Step string // "radio", "address", "forwarding", "nat", "redirect"
	Err  error
}

func (e *NetworkStateError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Step, e.Err)
}

func (e *NetworkStateError) Unwrap() error { return e.Err }

// UnexpectedExit reports a supervised process that died without being
// asked to.
type UnexpectedExit struct {
	Service string
	PID     int
	Err     error // exit error from Wait; nil means status 0
}

func (e *UnexpectedExit) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (pid %d) exited unexpectedly", e.Service, e.PID)
	}
	return fmt.Sprintf("%s (pid %d) exited unexpectedly: %v", e.Service, e.PID, e.Err)
}

func (e *UnexpectedExit) Unwrap() error { return e.Err }

// TerminationError reports a terminate call that failed or timed out.
type TerminationError struct {
	Service string
	PID     int
	After   time.Duration // non-zero when the process outlived the grace period
	Err     error
}

func (e *TerminationError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("terminate %s (pid %d): still running after %s: %v", e.Service, e.PID, e.After, e.Err)
	}
	return fmt.Sprintf("terminate %s (pid %d): %v", e.Service, e.PID, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Invalid creates a ValidationError for field.
func Invalid(field string, value interface{}, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// WrapNetwork creates a NetworkStateError for step.
func WrapNetwork(step string, err error) *NetworkStateError {
	return &NetworkStateError{Step: step, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsValidation(err):
		return ExitConfig
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
