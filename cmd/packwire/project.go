// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/packwire/internal/config"
	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/internal/packs"
	"github.com/invowk/packwire/internal/provision"
	"github.com/invowk/packwire/internal/service"
	"github.com/invowk/packwire/internal/sessionstore"
	"github.com/invowk/packwire/internal/workspace"
)

const readinessBackoff = 500 * time.Millisecond

type (
	// project is the per-command view of a packwire project: resolved
	// configuration, workspace layout, descriptor and lazily created
	// container services.
	project struct {
		app    *App
		dir    string
		cfg    *config.Config
		layout *workspace.Layout
		logger *log.Logger

		// svc is nil when the project has no descriptor.
		svc            *service.Service
		descriptorPath string

		metrics   *provision.Metrics
		lifecycle *container.Lifecycle
		store     *sessionstore.Store
	}

	projectOptions struct {
		requireDescriptor bool
	}
)

// openProject loads configuration and the optional descriptor of the
// project directory. Descriptor settings override configuration.
func (a *App) openProject(ctx context.Context, opts projectOptions) (*project, error) {
	dir, err := filepath.Abs(a.flags.projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configFile, ProjectDir: dir})
	if err != nil {
		return nil, err
	}

	logger := newLogger(a.stderr, a.flags.verbose || cfg.UI.Verbose)

	p := &project{app: a, dir: dir, logger: logger, metrics: provision.NewMetrics()}

	p.descriptorPath = a.flags.descriptor
	if !filepath.IsAbs(p.descriptorPath) {
		p.descriptorPath = filepath.Join(dir, p.descriptorPath)
	}
	svc, err := service.Load(a.Fs, p.descriptorPath)
	switch {
	case err == nil:
		p.svc = svc
		cfg = cfg.WithOverrides(config.Overrides{
			BuildImage:   svc.Custom.StackStorm.Image,
			RuntimeImage: svc.Custom.StackStorm.RuntimeImage,
			IndexURL:     svc.Custom.StackStorm.Index,
		})
	case errors.Is(err, fs.ErrNotExist) && !opts.requireDescriptor:
		logger.Debug("no descriptor found", "path", p.descriptorPath)
	case errors.Is(err, fs.ErrNotExist):
		return nil, issue.NewErrorContext().
			WithOperation("load deployment descriptor").
			WithResource(p.descriptorPath).
			WithSuggestion("Run packwire from the directory holding " + service.DefaultDescriptor).
			WithSuggestion("Use --project-dir or --descriptor to point at it").
			WithIssue(issue.DescriptorNotFoundId).
			Wrap(err).
			BuildError()
	default:
		return nil, issue.NewErrorContext().
			WithOperation("load deployment descriptor").
			WithResource(p.descriptorPath).
			WithIssue(issue.DescriptorInvalidId).
			Wrap(err).
			BuildError()
	}
	p.cfg = cfg

	wsDir := cfg.WorkspaceDir
	if !filepath.IsAbs(wsDir) {
		wsDir = filepath.Join(dir, wsDir)
	}
	p.layout, err = workspace.New(wsDir, workspace.WithFs(a.Fs), workspace.WithPythonVersion(cfg.PythonVersion))
	if err != nil {
		return nil, err
	}

	logger.Debug("project opened", "dir", dir, "workspace", p.layout.HostDir(), "config", a.Config.Sources())
	return p, nil
}

func newLogger(w io.Writer, verbose bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{Prefix: "packwire"})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// Lifecycle resolves the container engine and returns the build container
// lifecycle, recording sessions in the workspace store.
func (p *project) Lifecycle() (*container.Lifecycle, error) {
	if p.lifecycle != nil {
		return p.lifecycle, nil
	}

	engine, err := p.app.Engine(p.cfg)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("resolve container engine").
			WithResource(string(p.cfg.ContainerEngine)).
			WithSuggestion("Install Docker or Podman and make sure the daemon is running").
			WithSuggestion("Set container_engine in packwire.cue or PACKWIRE_CONTAINER_ENGINE").
			WithIssue(issue.ContainerEngineNotFoundId).
			Wrap(err).
			BuildError()
	}

	store, err := p.Store()
	if err != nil {
		return nil, err
	}

	opts := []container.LifecycleOption{
		container.WithLogger(p.logger.WithPrefix("container")),
		container.WithRecorder(store),
		container.WithReadiness(p.cfg.Provision.ReadinessAttempts, readinessBackoff),
	}
	if p.app.flags.verbose {
		opts = append(opts, container.WithProgress(container.WriterSubscriber(container.Stdout, p.app.stderr)))
	}
	p.lifecycle = container.NewLifecycle(engine, opts...)
	return p.lifecycle, nil
}

// Executor returns an executor on the lifecycle. In verbose mode container
// output is streamed to stderr.
func (p *project) Executor() (*container.Executor, error) {
	lc, err := p.Lifecycle()
	if err != nil {
		return nil, err
	}
	opts := []container.ExecutorOption{container.WithExecutorLogger(p.logger.WithPrefix("exec"))}
	if p.app.flags.verbose {
		opts = append(opts,
			container.WithOutputSubscriber(container.WriterSubscriber(container.Stdout, p.app.stderr)),
			container.WithOutputSubscriber(container.WriterSubscriber(container.Stderr, p.app.stderr)),
		)
	}
	return container.NewExecutor(lc, opts...), nil
}

// Store opens the session store inside the workspace.
func (p *project) Store() (*sessionstore.Store, error) {
	if p.store != nil {
		return p.store, nil
	}
	if err := p.layout.Ensure(); err != nil {
		return nil, err
	}
	store, err := sessionstore.Open(p.layout.SessionsDBPath())
	if err != nil {
		return nil, err
	}
	p.store = store
	return store, nil
}

// Index returns the shared index client for the configured URL.
func (p *project) Index() *index.Client {
	return p.app.IndexClient(p.cfg.IndexURL)
}

// Installer returns a pack installer for the workspace.
func (p *project) Installer() *packs.Installer {
	return packs.NewInstaller(p.layout, p.Index(), p.app.Fetcher,
		packs.WithInstallerLogger(p.logger.WithPrefix("packs")),
		packs.WithCloneConcurrency(p.cfg.Provision.Concurrency),
	)
}

// Provisioner returns a provisioner running commands through exec and
// starting the build container on demand through sessions.
func (p *project) Provisioner(exec provision.Executor, sessions provision.SessionProvider, opts ...provision.ProvisionerOption) (*provision.Provisioner, error) {
	settings, err := p.cfg.ProvisionSettings()
	if err != nil {
		return nil, err
	}
	opts = append([]provision.ProvisionerOption{
		provision.WithSessionProvider(sessions),
		provision.WithLogger(p.logger.WithPrefix("provision")),
		provision.WithMetrics(p.metrics),
	}, opts...)
	return provision.New(p.layout, exec, settings, opts...), nil
}

// BuildImage is the configured build image.
func (p *project) BuildImage() container.ImageRef {
	return container.ImageRef(p.cfg.BuildImage)
}

// withBuildSession runs fn with an auto-starter for the build container.
// A running container recorded by an earlier invocation is adopted and left
// running; a container started here is stopped when fn returns.
func (p *project) withBuildSession(ctx context.Context, pull bool, fn func(*container.Executor, *container.AutoStarter) error) error {
	lc, err := p.Lifecycle()
	if err != nil {
		return err
	}
	exec, err := p.Executor()
	if err != nil {
		return err
	}

	p.adoptRecordedSession(ctx, lc)
	if p.app.flags.verbose {
		p.logEngineVersion(ctx, lc.Engine())
	}

	starter := container.NewAutoStarter(lc, p.BuildImage(), p.layout.Mount(), container.WithPull(pull))
	defer func() {
		if err := starter.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to stop build container", "err", err)
		}
	}()

	return fn(exec, starter)
}

func (p *project) logEngineVersion(ctx context.Context, engine container.Engine) {
	version, err := engine.Version(ctx)
	if err != nil {
		p.logger.Debug("engine version unavailable", "engine", engine.Name(), "err", err)
		return
	}
	p.logger.Debug("container engine", "engine", engine.Name(), "version", version)
}

// adoptRecordedSession resumes the newest recorded container for the build
// image. Stale records are marked stopped.
func (p *project) adoptRecordedSession(ctx context.Context, lc *container.Lifecycle) {
	if _, ok := lc.Active(); ok {
		return
	}
	rec, err := p.store.Latest(ctx)
	if err != nil || rec.Image != p.cfg.BuildImage {
		return
	}
	id := container.ContainerID(rec.ID)
	if _, err := lc.Resume(ctx, id, p.BuildImage()); err != nil {
		p.logger.Debug("recorded build container is gone", "id", id.Short(), "err", err)
		if err := p.store.RecordStop(ctx, id); err != nil {
			p.logger.Warn("failed to update session record", "err", err)
		}
		return
	}
	p.logger.Info("reusing build container", "id", id.Short())
}

// finish writes metrics when configured and closes the session store.
func (p *project) finish() {
	if p.cfg != nil && p.cfg.MetricsFile != "" {
		if err := p.metrics.WriteTextfile(p.cfg.MetricsFile); err != nil {
			p.logger.Warn("failed to write metrics", "path", p.cfg.MetricsFile, "err", err)
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("failed to close session store", "err", err)
		}
	}
}

// requireSession returns the build container to target: id when given,
// otherwise the newest recorded running container.
func (p *project) requireSession(ctx context.Context, id string) (container.ContainerID, error) {
	if id != "" {
		return container.ContainerID(id), nil
	}
	store, err := p.Store()
	if err != nil {
		return "", err
	}
	rec, err := store.Latest(ctx)
	if errors.Is(err, sessionstore.ErrNoRunningSession) {
		return "", noSessionError(err)
	}
	if err != nil {
		return "", err
	}
	return container.ContainerID(rec.ID), nil
}

func noSessionError(err error) error {
	return issue.NewErrorContext().
		WithOperation("find build container").
		WithSuggestion("Start one with 'packwire docker start'").
		WithSuggestion("Or pass its id with --id").
		WithIssue(issue.NoSessionId).
		Wrap(errors.Join(container.ErrNoSession, err)).
		BuildError()
}
