// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

//go:embed all:adapter
var adapterFS embed.FS

// AdapterFiles returns the names of the adapter shim files.
func AdapterFiles() []string {
	entries, err := fs.ReadDir(adapterFS, "adapter")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// InstallAdapter copies the adapter shim files into the workspace root,
// overwriting earlier copies.
func (l *Layout) InstallAdapter() ([]string, error) {
	if err := l.fs.MkdirAll(l.hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	var written []string
	for _, name := range AdapterFiles() {
		data, err := adapterFS.ReadFile("adapter/" + name)
		if err != nil {
			return written, fmt.Errorf("read adapter file %s: %w", name, err)
		}
		dst := filepath.Join(l.hostDir, name)
		if err := afero.WriteFile(l.fs, dst, data, 0o644); err != nil {
			return written, fmt.Errorf("write adapter file %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}
