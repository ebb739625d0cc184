// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/syntax"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/workspace"
	"github.com/invowk/packwire/pkg/types"
)

const (
	// OutcomeInstalled means install commands ran and succeeded.
	OutcomeInstalled Outcome = iota
	// OutcomeSkipped means the prefix already existed.
	OutcomeSkipped
	// OutcomeFailed means an install command failed.
	OutcomeFailed
	// OutcomeCanceled means the pack was never started because an earlier pack failed.
	OutcomeCanceled

	// SharedTarget names the shared dependency prefix in results and errors.
	SharedTarget = "deps"

	kindShared = "shared"
	kindPack   = "pack"

	cleanupTimeout = 30 * time.Second
)

var (
	// ErrNoSessionProvider is returned when no session is passed and none can be started.
	ErrNoSessionProvider = errors.New("no build container session and no way to start one")

	// ErrPackNotCloned is returned for packs whose source is not in the workspace.
	ErrPackNotCloned = errors.New("pack source not found in workspace")
)

type (
	// Outcome is the result of provisioning one prefix.
	Outcome int

	// Executor runs commands in the build container.
	Executor interface {
		Exec(ctx context.Context, session *container.Session, argv []string, opts ...container.RunOption) (*container.CommandResult, error)
	}

	// SessionProvider yields a running build container, starting one if needed.
	SessionProvider interface {
		Ensure(ctx context.Context) (*container.Session, error)
	}

	// PackageInstallError reports a failed install of a pack or the shared deps.
	PackageInstallError struct {
		Pack     string
		ExitCode types.ExitCode
		Stderr   string
		Err      error
	}

	// PackResult is the outcome of one pack in a bulk install.
	PackResult struct {
		Pack     string
		Outcome  Outcome
		Duration time.Duration
		Err      error
	}

	// Report summarises a bulk install in pack order.
	Report struct {
		Results []PackResult
	}

	// ProvisionerOption configures a Provisioner.
	ProvisionerOption func(*Provisioner)

	// Provisioner installs dependency prefixes through a build container.
	Provisioner struct {
		layout   *workspace.Layout
		executor Executor
		cfg      Config
		sessions SessionProvider
		logger   *log.Logger
		metrics  *Metrics
		progress func(PackResult)
	}
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstalled:
		return "installed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (e *PackageInstallError) Error() string {
	target := "pack " + e.Pack
	if e.Pack == SharedTarget {
		target = "shared dependencies"
	}
	if e.ExitCode != 0 {
		msg := fmt.Sprintf("install %s: exit status %d", target, e.ExitCode)
		if line := lastLine(e.Stderr); line != "" {
			msg += ": " + line
		}
		return msg
	}
	return fmt.Sprintf("install %s: %v", target, e.Err)
}

func (e *PackageInstallError) Unwrap() error {
	return e.Err
}

// Count returns how many packs ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// WithSessionProvider resolves nil sessions by starting a container on demand.
func WithSessionProvider(p SessionProvider) ProvisionerOption {
	return func(pr *Provisioner) {
		pr.sessions = p
	}
}

// WithLogger sets the provisioner logger.
func WithLogger(logger *log.Logger) ProvisionerOption {
	return func(pr *Provisioner) {
		if logger != nil {
			pr.logger = logger
		}
	}
}

// WithMetrics records install outcomes in m.
func WithMetrics(m *Metrics) ProvisionerOption {
	return func(pr *Provisioner) {
		pr.metrics = m
	}
}

// WithProgress is called once per pack as a bulk install finishes it.
func WithProgress(fn func(PackResult)) ProvisionerOption {
	return func(pr *Provisioner) {
		pr.progress = fn
	}
}

// New creates a provisioner. cfg must have passed Validate.
func New(layout *workspace.Layout, executor Executor, cfg Config, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		layout:   layout,
		executor: executor,
		cfg:      cfg,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the provisioning configuration.
func (p *Provisioner) Config() Config {
	return p.cfg
}

// InstallSharedDeps installs the shared packages into deps/ unless the prefix
// already exists on the host.
func (p *Provisioner) InstallSharedDeps(ctx context.Context, session *container.Session) (outcome Outcome, err error) {
	start := time.Now()
	defer func() { p.metrics.observe(kindShared, outcome, time.Since(start)) }()

	installed, err := p.layout.DepsInstalled()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check shared dependencies: %w", err)
	}
	if installed {
		p.logger.Info("shared dependencies already installed", "prefix", p.layout.HostDepsPrefix())
		return OutcomeSkipped, nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	session, err = p.resolveSession(ctx, session)
	if err != nil {
		return OutcomeFailed, err
	}

	prefix := p.layout.ContainerDepsPrefix()
	argv := append([]string{"pip", "install", "-I"}, p.cfg.SharedPackages...)
	argv = append(argv, "--prefix", prefix)

	p.logger.Info("installing shared dependencies", "prefix", prefix)
	if res, err := p.executor.Exec(ctx, session, argv); err != nil {
		p.removePrefix(ctx, session, prefix)
		return OutcomeFailed, newInstallError(SharedTarget, res, err)
	}
	return OutcomeInstalled, nil
}

// InstallPackageDeps installs the requirements of pack into its own prefix.
// Without force an existing prefix is left alone and no command is issued.
// A pack without requirements.txt only gets an empty prefix.
func (p *Provisioner) InstallPackageDeps(ctx context.Context, session *container.Session, pack string, force bool) (outcome Outcome, err error) {
	start := time.Now()
	defer func() { p.metrics.observe(kindPack, outcome, time.Since(start)) }()

	if err := workspace.ValidatePackName(pack); err != nil {
		return OutcomeFailed, err
	}

	if !force {
		installed, err := p.layout.PackDepsInstalled(pack)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("check dependencies of %s: %w", pack, err)
		}
		if installed {
			p.logger.Debug("pack dependencies already installed", "pack", pack)
			return OutcomeSkipped, nil
		}
	}

	cloned, err := p.layout.PackCloned(pack)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check source of %s: %w", pack, err)
	}
	if !cloned {
		return OutcomeFailed, &PackageInstallError{Pack: pack, Err: ErrPackNotCloned}
	}

	session, err = p.resolveSession(ctx, session)
	if err != nil {
		return OutcomeFailed, err
	}

	prefix := p.layout.ContainerPackPrefix(pack)
	site := p.layout.SitePackages(prefix)

	p.logger.Info("creating virtual environment", "pack", pack, "prefix", prefix)
	if res, err := p.executor.Exec(ctx, session, []string{"mkdir", "-p", site}); err != nil {
		return OutcomeFailed, newInstallError(pack, res, err)
	}

	hasReq, err := p.layout.HasRequirements(pack)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check requirements of %s: %w", pack, err)
	}
	if !hasReq {
		p.logger.Debug("pack has no requirements.txt", "pack", pack)
		return OutcomeInstalled, nil
	}

	script, err := pipInstallScript(site, p.layout.ContainerRequirements(pack), prefix)
	if err != nil {
		return OutcomeFailed, err
	}
	if res, err := p.executor.Exec(ctx, session, []string{"/bin/bash", "-c", script}); err != nil {
		p.removePrefix(ctx, session, prefix)
		return OutcomeFailed, newInstallError(pack, res, err)
	}
	return OutcomeInstalled, nil
}

// InstallAllPackageDeps installs the dependencies of every pack found in the
// workspace with at most Config.Concurrency installs in flight.
//
// Under the default policy the first failure stops packs that have not
// started yet; installs already running receive ctx rather than a canceled
// group context and finish normally. The first failure is returned. With
// ContinueOnError all packs are attempted and failures are joined.
func (p *Provisioner) InstallAllPackageDeps(ctx context.Context, session *container.Session, force bool) (*Report, error) {
	packs, err := p.layout.ListPacks()
	if err != nil {
		return nil, err
	}

	report := &Report{Results: make([]PackResult, len(packs))}
	if len(packs) == 0 {
		p.logger.Info("no packs to provision")
		return report, nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	p.logger.Info("creating virtual environments for packs", "count", len(packs), "concurrency", p.cfg.Concurrency)

	var (
		mu     sync.Mutex
		failed bool
		errs   []error
	)
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed && !p.cfg.ContinueOnError
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i, pack := range packs {
		report.Results[i] = PackResult{Pack: pack, Outcome: OutcomeCanceled}
		if aborted() {
			continue
		}

		g.Go(func() error {
			if aborted() {
				return nil
			}

			start := time.Now()
			outcome, err := p.InstallPackageDeps(ctx, session, pack, force)
			res := PackResult{Pack: pack, Outcome: outcome, Duration: time.Since(start), Err: err}

			mu.Lock()
			report.Results[i] = res
			if err != nil {
				failed = true
				errs = append(errs, err)
			}
			mu.Unlock()

			if err != nil {
				p.logger.Error("pack provisioning failed", "pack", pack, "err", err)
			}
			if p.progress != nil {
				p.progress(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		return report, nil
	}
	if p.cfg.ContinueOnError {
		return report, errors.Join(errs...)
	}
	return report, errs[0]
}

func (p *Provisioner) resolveSession(ctx context.Context, session *container.Session) (*container.Session, error) {
	if session != nil {
		return session, nil
	}
	if p.sessions == nil {
		return nil, ErrNoSessionProvider
	}
	return p.sessions.Ensure(ctx)
}

func (p *Provisioner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, p.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// removePrefix deletes a partially installed prefix so the next run retries
// it. It runs even when ctx was canceled. A canceled install only stopped the
// engine client, so pip is killed inside the container before the removal;
// otherwise it could recreate the prefix afterwards.
func (p *Provisioner) removePrefix(ctx context.Context, session *container.Session, prefix string) {
	canceled := ctx.Err() != nil
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if canceled {
		p.killInstaller(ctx, session, prefix)
	}
	if _, err := p.executor.Exec(ctx, session, []string{"rm", "-rf", prefix}); err != nil {
		p.logger.Warn("failed to remove partial prefix", "prefix", prefix, "err", err)
	}
}

// killInstaller sends SIGKILL to every container process with prefix as one
// of its arguments.
func (p *Provisioner) killInstaller(ctx context.Context, session *container.Session, prefix string) {
	script, err := killScript(prefix)
	if err != nil {
		p.logger.Warn("failed to build kill command", "prefix", prefix, "err", err)
		return
	}
	if _, err := p.executor.Exec(ctx, session, []string{"/bin/bash", "-c", script}); err != nil {
		p.logger.Warn("failed to stop installer", "prefix", prefix, "err", err)
	}
}

func killScript(prefix string) (string, error) {
	q, err := syntax.Quote(prefix, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote %q: %w", prefix, err)
	}
	return fmt.Sprintf(`for d in /proc/[0-9]*; do [ "${d#/proc/}" = "$$" ] && continue; `+
		`grep -qzxF -- %s "$d/cmdline" 2>/dev/null && kill -KILL "${d#/proc/}" 2>/dev/null; done; true`, q), nil
}

func pipInstallScript(site, requirements, prefix string) (string, error) {
	quoted := make([]string, 0, 4)
	for _, word := range []string{site, requirements, prefix, prefix + "/src"} {
		q, err := syntax.Quote(word, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("quote %q: %w", word, err)
		}
		quoted = append(quoted, q)
	}
	return fmt.Sprintf("PYTHONPATH=$PYTHONPATH:%s pip --isolated install -r %s --prefix %s --src %s",
		quoted[0], quoted[1], quoted[2], quoted[3]), nil
}

func newInstallError(pack string, res *container.CommandResult, err error) error {
	var cmdErr *container.CommandError
	if errors.As(err, &cmdErr) {
		ie := &PackageInstallError{Pack: pack, ExitCode: cmdErr.ExitCode, Stderr: cmdErr.Stderr, Err: err}
		if res != nil && ie.Stderr == "" {
			ie.Stderr = res.Stderr
		}
		return ie
	}
	return &PackageInstallError{Pack: pack, Err: err}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
