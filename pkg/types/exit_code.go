// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// ExitSuccess is the exit status of a command that completed normally.
	ExitSuccess ExitCode = 0
	// ExitFailure is the generic failure status used when no process status exists.
	ExitFailure ExitCode = 1
	// ExitEngineError is reported by docker/podman when the engine itself failed.
	ExitEngineError ExitCode = 125
	// ExitNotExecutable is reported when the container command cannot be invoked.
	ExitNotExecutable ExitCode = 126
	// ExitNotFound is reported when the container command does not exist.
	ExitNotFound ExitCode = 127

	signalBase ExitCode = 128
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode represents a process exit status code.
	// Exit codes are in the range 0-255 on POSIX systems.
	// The zero value (0) means success.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside the
	// valid range (0-255).
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range (0-255).
func (c ExitCode) Validate() error {
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess returns true if the exit code indicates successful execution.
func (c ExitCode) IsSuccess() bool { return c == ExitSuccess }

// IsEngineFailure returns true when the status was produced by the container
// engine rather than by the command running inside the container.
func (c ExitCode) IsEngineFailure() bool {
	return c == ExitEngineError || c == ExitNotExecutable || c == ExitNotFound
}

// IsTransient returns true if the exit code indicates a transient container
// engine error that may succeed on retry (codes 125 and 126).
func (c ExitCode) IsTransient() bool { return c == ExitEngineError || c == ExitNotExecutable }

// Signaled returns true if the process was terminated by a signal
// (e.g. 137 for SIGKILL after a stop timeout).
func (c ExitCode) Signaled() bool { return c > signalBase && c <= 255 }

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
