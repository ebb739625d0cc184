// SPDX-License-Identifier: MPL-2.0

package invoke

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/spf13/afero"
)

// maxEventBytes caps event input read from files or stdin.
const maxEventBytes = 6 << 20

var (
	// ErrEventFileNotFound is returned when --path names a missing file.
	ErrEventFileNotFound = errors.New("event file not found")
	// ErrInvalidEvent is returned when the event is not valid JSON.
	ErrInvalidEvent = errors.New("event is not valid JSON")
)

// EventSource selects where the event comes from. The first non-empty of
// Data, Path and Stdin wins; with none the event is {}.
type EventSource struct {
	Data  string
	Path  string
	Stdin io.Reader
}

// ResolveEvent reads the event. A missing Path fails before anything else
// happens so callers can bail out before starting containers.
func ResolveEvent(fsys afero.Fs, src EventSource) (json.RawMessage, error) {
	var raw []byte
	switch {
	case src.Data != "":
		raw = []byte(src.Data)
	case src.Path != "":
		data, err := afero.ReadFile(fsys, src.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrEventFileNotFound, src.Path)
			}
			return nil, fmt.Errorf("read event file: %w", err)
		}
		raw = data
	case src.Stdin != nil:
		data, err := io.ReadAll(io.LimitReader(src.Stdin, maxEventBytes))
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		raw = data
	}

	if strings.TrimSpace(string(raw)) == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidEvent
	}
	return json.RawMessage(raw), nil
}
