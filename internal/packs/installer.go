// SPDX-License-Identifier: MPL-2.0

package packs

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/workspace"
)

const defaultCloneConcurrency = 4

type (
	// Resolver looks up pack index entries.
	Resolver interface {
		Pack(ctx context.Context, name string) (*index.Pack, error)
	}

	// Fetcher clones or updates a repository at a local path.
	Fetcher interface {
		CloneOrUpdate(ctx context.Context, repoURL, localPath string) (*FetchResult, error)
	}

	// InstallerOption configures an Installer.
	InstallerOption func(*Installer)

	// Installer checks out packs listed in the index into the workspace.
	Installer struct {
		layout      *workspace.Layout
		resolver    Resolver
		fetcher     Fetcher
		logger      *log.Logger
		concurrency int
	}
)

// WithInstallerLogger sets the installer logger.
func WithInstallerLogger(logger *log.Logger) InstallerOption {
	return func(i *Installer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithCloneConcurrency bounds parallel clones in InstallPacks.
func WithCloneConcurrency(n int) InstallerOption {
	return func(i *Installer) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// NewInstaller creates an installer.
func NewInstaller(layout *workspace.Layout, resolver Resolver, fetcher Fetcher, opts ...InstallerOption) *Installer {
	i := &Installer{
		layout:      layout,
		resolver:    resolver,
		fetcher:     fetcher,
		logger:      log.New(io.Discard),
		concurrency: defaultCloneConcurrency,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// InstallPack resolves name in the index and checks it out under
// packs/<ref or name>.
func (i *Installer) InstallPack(ctx context.Context, name string) (*FetchResult, error) {
	if err := workspace.ValidatePackName(name); err != nil {
		return nil, err
	}

	meta, err := i.resolver.Pack(ctx, name)
	if err != nil {
		return nil, err
	}
	dir := meta.Dir()
	if err := workspace.ValidatePackName(dir); err != nil {
		return nil, fmt.Errorf("index entry %s: %w", name, err)
	}

	i.logger.Info("cloning pack", "pack", dir, "repo", meta.RepoURL)
	res, err := i.fetcher.CloneOrUpdate(ctx, meta.RepoURL, i.layout.HostPackDir(dir))
	if err != nil {
		return nil, fmt.Errorf("install pack %s: %w", name, err)
	}
	return res, nil
}

// InstallPacks installs every distinct name concurrently. The first failure
// cancels the remaining clones.
func (i *Installer) InstallPacks(ctx context.Context, names []string) ([]*FetchResult, error) {
	names = slices.Compact(slices.Sorted(slices.Values(names)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)

	var mu sync.Mutex
	results := make([]*FetchResult, len(names))
	for idx, name := range names {
		g.Go(func() error {
			res, err := i.InstallPack(gctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			results[idx] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
