// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"strings"
)

// transientMarkers are engine/registry messages that usually clear on retry.
var transientMarkers = []string{
	"TLS handshake timeout",
	"i/o timeout",
	"connection reset by peer",
	"connection refused",
	"Temporary failure resolving",
	"Could not resolve host",
	"toomanyrequests",
	"unexpected EOF",
	"OCI runtime error",
	"error creating overlay mount",
}

// IsTransientError reports whether err is a container engine failure that
// may succeed on retry: engine exit codes 125/126, registry rate limits, and
// network or storage-driver glitches found in the captured stderr.
// Context cancellation is never transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.ExitCode.IsTransient() {
			return true
		}
		return containsTransientMarker(cmdErr.Stderr)
	}

	return containsTransientMarker(err.Error())
}

func containsTransientMarker(s string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
