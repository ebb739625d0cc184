// SPDX-License-Identifier: MPL-2.0

package container

import (
	"encoding/json"
	"slices"
	"strings"
)

// ExtractPayload finds the JSON result payload a command prints as its final
// line. Output is split on "\n"; when there are at least two elements and the
// second-to-last one is non-empty valid JSON, it is the payload and display
// is the remaining elements re-joined. Otherwise payload is nil and display
// equals stdout.
//
//	ExtractPayload("line1\nline2\n{\"result\":42}\n")
//	// payload: {"result":42}, display: "line1\nline2\n"
func ExtractPayload(stdout string) (payload json.RawMessage, display string) {
	lines := strings.Split(stdout, "\n")
	if len(lines) < 2 {
		return nil, stdout
	}

	idx := len(lines) - 2
	candidate := lines[idx]
	if candidate == "" || !json.Valid([]byte(candidate)) {
		return nil, stdout
	}

	rest := slices.Delete(slices.Clone(lines), idx, idx+1)
	return json.RawMessage(candidate), strings.Join(rest, "\n")
}
