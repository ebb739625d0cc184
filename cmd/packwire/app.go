// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/invowk/packwire/internal/config"
	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/packs"
)

type (
	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
		Sources() []string
	}

	// EngineFactory resolves the container engine for a configuration. It is
	// only called by commands that talk to the engine.
	EngineFactory func(cfg *config.Config) (container.Engine, error)

	// App wires CLI services and shared dependencies. It is the composition
	// root of the CLI: command handlers receive the App and reach every
	// service through it.
	App struct {
		Config     ConfigProvider
		Engine     EngineFactory
		Fetcher    packs.Fetcher
		HTTPClient *http.Client
		Fs         afero.Fs

		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer

		flags globalFlags

		indexMu sync.Mutex
		indexes map[string]*index.Client
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config     ConfigProvider
		Engine     EngineFactory
		Fetcher    packs.Fetcher
		HTTPClient *http.Client
		Fs         afero.Fs
		Stdin      io.Reader
		Stdout     io.Writer
		Stderr     io.Writer
	}

	globalFlags struct {
		verbose    bool
		configFile string
		projectDir string
		descriptor string
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Engine == nil {
		deps.Engine = defaultEngine
	}
	if deps.Fetcher == nil {
		deps.Fetcher = packs.NewGitFetcher()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	return &App{
		Config:     deps.Config,
		Engine:     deps.Engine,
		Fetcher:    deps.Fetcher,
		HTTPClient: deps.HTTPClient,
		Fs:         deps.Fs,
		stdin:      deps.Stdin,
		stdout:     deps.Stdout,
		stderr:     deps.Stderr,
		indexes:    map[string]*index.Client{},
	}
}

// IndexClient returns the App's client for url, creating it on first use so
// the index is fetched at most once per invocation.
func (a *App) IndexClient(url string) *index.Client {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()

	if c, ok := a.indexes[url]; ok {
		return c
	}
	c := index.NewClient(
		index.WithURL(url),
		index.WithHTTPClient(a.HTTPClient),
		index.WithUserAgent("packwire/"+Version),
	)
	a.indexes[url] = c
	return c
}

func defaultEngine(cfg *config.Config) (container.Engine, error) {
	engineType, err := container.ParseEngineType(string(cfg.ContainerEngine))
	if err != nil {
		return nil, err
	}
	return container.NewEngine(engineType, engineOptions(cfg)...)
}

// engineOptions translates the engine settings of cfg.
func engineOptions(cfg *config.Config) []container.BaseCLIEngineOption {
	var opts []container.BaseCLIEngineOption
	if cfg.ContainerHost != "" {
		opts = append(opts, container.WithEngineHost(cfg.ContainerHost))
	}
	if len(cfg.RunArgs) > 0 {
		opts = append(opts, container.WithExtraRunArgs(cfg.RunArgs...))
	}
	return opts
}
