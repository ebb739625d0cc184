// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/invowk/packwire/internal/container"
)

const (
	// DefaultDirName is the workspace directory created in the project root.
	DefaultDirName = "~st2"
	// TaskRoot is where the runtime image expects the function bundle.
	TaskRoot = "/var/task"
	// DefaultPythonVersion names the lib/<python>/site-packages directory.
	DefaultPythonVersion = "python2.7"

	packsDir       = "packs"
	depsDir        = "deps"
	virtualenvsDir = "virtualenvs"
	sessionsDB     = ".sessions.db"
	requirements   = "requirements.txt"
)

var (
	// ErrInvalidPackName is returned for pack names that would escape the packs directory.
	ErrInvalidPackName = errors.New("invalid pack name")
	// ErrEmptyWorkspaceDir is returned when no host directory is configured.
	ErrEmptyWorkspaceDir = errors.New("workspace directory must not be empty")
)

type (
	// Option configures a Layout.
	Option func(*Layout)

	// Layout maps workspace paths between the host and the build container.
	// Host paths use the OS separator; container paths are always slash paths.
	Layout struct {
		fs            afero.Fs
		hostDir       string
		containerDir  string
		pythonVersion string
	}
)

// WithFs sets the filesystem used for host access.
func WithFs(fsys afero.Fs) Option {
	return func(l *Layout) {
		l.fs = fsys
	}
}

// WithPythonVersion sets the python directory name used in site-packages paths.
func WithPythonVersion(version string) Option {
	return func(l *Layout) {
		if version != "" {
			l.pythonVersion = version
		}
	}
}

// WithContainerDir overrides the mount target inside containers.
func WithContainerDir(dir string) Option {
	return func(l *Layout) {
		if dir != "" {
			l.containerDir = dir
		}
	}
}

// New creates a layout for the host directory hostDir. The directory name is
// kept as the mount target under /var/task so handler references resolve
// the same way in the runtime image.
func New(hostDir string, opts ...Option) (*Layout, error) {
	if strings.TrimSpace(hostDir) == "" {
		return nil, ErrEmptyWorkspaceDir
	}
	abs, err := filepath.Abs(hostDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace directory: %w", err)
	}

	l := &Layout{
		fs:            afero.NewOsFs(),
		hostDir:       abs,
		containerDir:  path.Join(TaskRoot, filepath.Base(abs)),
		pythonVersion: DefaultPythonVersion,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Fs returns the host filesystem.
func (l *Layout) Fs() afero.Fs { return l.fs }

// HostDir returns the absolute host workspace directory.
func (l *Layout) HostDir() string { return l.hostDir }

// ContainerDir returns the workspace directory inside containers.
func (l *Layout) ContainerDir() string { return l.containerDir }

// PythonVersion returns the python directory name used in prefixes.
func (l *Layout) PythonVersion() string { return l.pythonVersion }

// Mount returns the bind mount of the workspace into the build container.
func (l *Layout) Mount() container.VolumeMount {
	return container.VolumeMount{HostPath: container.HostFilesystemPath(l.hostDir), ContainerPath: container.MountTargetPath(l.containerDir)}
}

// HandlerRef is the function handler, relative to the task root, that
// dispatches to the adapter.
func (l *Layout) HandlerRef() string {
	return path.Join(filepath.Base(l.hostDir), "handler.stackstorm")
}

// ExcludeGitPattern matches the .git directories of checked-out packs.
func (l *Layout) ExcludeGitPattern() string {
	return path.Join(filepath.Base(l.hostDir), "**", ".git", "**")
}

// SessionsDBPath is the host path of the persisted session records.
func (l *Layout) SessionsDBPath() string {
	return filepath.Join(l.hostDir, sessionsDB)
}

// HostPacksDir returns the host directory holding cloned packs.
func (l *Layout) HostPacksDir() string {
	return filepath.Join(l.hostDir, packsDir)
}

// HostPackDir returns the host checkout directory of pack.
func (l *Layout) HostPackDir(pack string) string {
	return filepath.Join(l.hostDir, packsDir, pack)
}

// HostDepsPrefix returns the host directory of the shared dependencies.
func (l *Layout) HostDepsPrefix() string {
	return filepath.Join(l.hostDir, depsDir)
}

// ContainerDepsPrefix returns the install prefix of the shared dependencies.
func (l *Layout) ContainerDepsPrefix() string {
	return path.Join(l.containerDir, depsDir)
}

// HostPackPrefix returns the host install prefix of a pack's dependencies.
func (l *Layout) HostPackPrefix(pack string) string {
	return filepath.Join(l.hostDir, virtualenvsDir, pack)
}

// ContainerPackPrefix returns the in-container install prefix of a pack's dependencies.
func (l *Layout) ContainerPackPrefix(pack string) string {
	return path.Join(l.containerDir, virtualenvsDir, pack)
}

// ContainerRequirements returns the in-container path of a pack's requirements file.
func (l *Layout) ContainerRequirements(pack string) string {
	return path.Join(l.containerDir, packsDir, pack, requirements)
}

// SitePackages returns the lib/<python>/site-packages directory of prefix.
func (l *Layout) SitePackages(prefix string) string {
	return path.Join(prefix, "lib", l.pythonVersion, "site-packages")
}

// SitePackages64 returns the lib64/<python>/site-packages directory of prefix.
func (l *Layout) SitePackages64(prefix string) string {
	return path.Join(prefix, "lib64", l.pythonVersion, "site-packages")
}

// PythonPath returns the PYTHONPATH a function using packs needs: the
// workspace root, the shared dependencies and each pack's prefix, with both
// lib and lib64 site-packages.
func (l *Layout) PythonPath(packs ...string) string {
	deps := l.ContainerDepsPrefix()
	entries := []string{l.containerDir, l.SitePackages(deps), l.SitePackages64(deps)}
	for _, p := range packs {
		prefix := l.ContainerPackPrefix(p)
		entries = append(entries, l.SitePackages(prefix), l.SitePackages64(prefix))
	}
	return strings.Join(entries, ":")
}

// ValidatePackName rejects names that are empty or contain path elements.
func ValidatePackName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPackName, name)
	}
	return nil
}

// DepsInstalled reports whether the shared dependency prefix exists.
func (l *Layout) DepsInstalled() (bool, error) {
	return afero.DirExists(l.fs, l.HostDepsPrefix())
}

// PackDepsInstalled reports whether the dependency prefix of pack exists.
func (l *Layout) PackDepsInstalled(pack string) (bool, error) {
	return afero.DirExists(l.fs, l.HostPackPrefix(pack))
}

// PackCloned reports whether the source directory of pack exists.
func (l *Layout) PackCloned(pack string) (bool, error) {
	return afero.DirExists(l.fs, l.HostPackDir(pack))
}

// HasRequirements reports whether pack ships a requirements.txt.
func (l *Layout) HasRequirements(pack string) (bool, error) {
	return afero.Exists(l.fs, filepath.Join(l.HostPackDir(pack), requirements))
}

// ListPacks returns the sorted names of the pack directories on the host. A
// missing packs directory yields no packs.
func (l *Layout) ListPacks() ([]string, error) {
	entries, err := afero.ReadDir(l.fs, l.HostPacksDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list packs: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Ensure creates the workspace and packs directories.
func (l *Layout) Ensure() error {
	if err := l.fs.MkdirAll(l.HostPacksDir(), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// Clean removes the whole workspace.
func (l *Layout) Clean() error {
	if err := l.fs.RemoveAll(l.hostDir); err != nil {
		return fmt.Errorf("clean workspace %s: %w", l.hostDir, err)
	}
	return nil
}
