package session

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-sync/internal/capture"
)

var (
	// ErrDeviceUnavailable aborts a prepare; the session stays idle.
	ErrDeviceUnavailable = capture.ErrDeviceUnavailable
	// ErrProtocolViolation marks a command received in the wrong state.
	ErrProtocolViolation = errors.New("session: command not allowed in current state")
	// ErrShutdownTimeout means the capture loop outlived the stop bound.
	ErrShutdownTimeout = errors.New("session: capture loop did not exit in time")
)

// ViolationError describes an ignored command.
type ViolationError struct {
	Verb  string
	State State
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("session: %s ignored in state %s", e.Verb, e.State)
}

func (e *ViolationError) Unwrap() error {
	return ErrProtocolViolation
}
