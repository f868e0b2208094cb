// Package apperr defines the error taxonomy shared across the service.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a sandbox, session, or message is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates an operation is not legal for the current
	// sandbox status (for example stopping an already-stopped sandbox).
	ErrInvalidState = errors.New("invalid state")

	// ErrRuntimeUnavailable indicates a container runtime call failed.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrStreamDisconnected indicates the agent event subscription dropped.
	// Recoverable: triggers a backoff reconnect.
	ErrStreamDisconnected = errors.New("stream disconnected")

	// ErrSyncExhausted indicates reconnect attempts were exhausted and sync
	// is permanently stopped for that sandbox until a caller restarts it.
	ErrSyncExhausted = errors.New("sync exhausted")

	// ErrConfig indicates a fatal configuration problem during creation.
	ErrConfig = errors.New("config error")
)

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidStatef wraps ErrInvalidState with a formatted detail message.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Configf wraps ErrConfig with a formatted detail message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// RuntimeUnavailable wraps a runtime adapter failure.
func RuntimeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRuntimeUnavailable, op, err)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState reports whether err is an ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsRuntimeUnavailable reports whether err is an ErrRuntimeUnavailable.
func IsRuntimeUnavailable(err error) bool { return errors.Is(err, ErrRuntimeUnavailable) }
