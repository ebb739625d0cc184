// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/pkg/types"
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code types.ExitCode
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCodeOf maps a command error to the process exit code: an explicit
// ExitError, else the status of a failed container command, else 1.
func exitCodeOf(err error) int {
	if err == nil {
		return int(types.ExitSuccess)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != types.ExitSuccess {
		return int(exitErr.Code)
	}
	var cmdErr *container.CommandError
	if errors.As(err, &cmdErr) && !cmdErr.ExitCode.IsSuccess() {
		return int(cmdErr.ExitCode)
	}
	return int(types.ExitFailure)
}
