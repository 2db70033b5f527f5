package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for failure classification. Every error that crosses a
// component boundary is wrapped with exactly one of these so callers can
// decide retry eligibility and user messaging with errors.Is.
var (
	// ErrInvalidInput marks containers rejected by the package validator or
	// inputs of the wrong type. Never retried automatically.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEngineUnavailable marks submissions made before the engine
	// interface was initialized.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrPreflightFailed marks a required capability or model that was not
	// ready when the job started.
	ErrPreflightFailed = errors.New("preflight failed")
	// ErrEngineFailure marks failures reported by the engine during a run.
	ErrEngineFailure = errors.New("engine failure")
	// ErrCancelled marks user- or system-requested cancellation. It is a
	// normal terminal state, not surfaced as an error to the user.
	ErrCancelled = errors.New("cancelled")
	// ErrPermissionDenied marks an unwritable destination or a denied
	// file-access lease.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidationTimeout marks a bounded integrity check that exceeded its
	// deadline.
	ErrValidationTimeout = errors.New("validation timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrEngineFailure
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a terminal failure may be retried by explicit
// user request. Validator rejections are final.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidationTimeout):
		return false
	default:
		return true
	}
}

// UserMessage extracts the human-readable portion of a wrapped error,
// stripping the sentinel prefix.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{
		ErrInvalidInput, ErrEngineUnavailable, ErrPreflightFailed,
		ErrEngineFailure, ErrCancelled, ErrPermissionDenied, ErrValidationTimeout,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
