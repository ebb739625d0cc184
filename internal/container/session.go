// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// StateNone means no container is associated with the lifecycle.
	StateNone SessionState = iota
	// StateStarting means a start command is in flight.
	StateStarting
	// StateRunning means the session container is up and accepts exec.
	StateRunning
	// StateStopping means a stop command is in flight.
	StateStopping

	// SessionNamePrefix prefixes build container names so orphans can be found.
	SessionNamePrefix = "packwire-build-"
	// SessionLabel marks build containers started by packwire.
	SessionLabel = "io.packwire.session"

	defaultPullAttempts = 3
	defaultPullBackoff  = 2 * time.Second
)

var (
	// ErrSessionActive is returned when starting or resuming while a session is active.
	ErrSessionActive = errors.New("a build container is already set for this session; stop it before creating a new one")
	// ErrNoSession is returned when an operation needs a session and none is set.
	ErrNoSession = errors.New("no build container is set for this session; start one first")
	// ErrSessionNotRunning is returned when exec targets a container that is not the running session.
	ErrSessionNotRunning = errors.New("build container is not running")
	// ErrContainerNotReady is returned when a started container never reports running.
	ErrContainerNotReady = errors.New("build container did not become ready")
)

// keepAliveCommand keeps the build container idle so exec can target it.
var keepAliveCommand = []string{"tail", "-f", "/dev/null"}

type (
	// SessionState is the lifecycle state of the build container.
	SessionState int

	// Session is the single long-lived build container of a provisioning run.
	Session struct {
		ID        ContainerID
		Name      string
		Image     ImageRef
		Workspace VolumeMount
		StartedAt time.Time
		// Adopted is true when the session was resumed from an earlier invocation.
		Adopted bool
	}

	// SessionRecorder persists session starts and stops across invocations.
	SessionRecorder interface {
		RecordStart(ctx context.Context, s Session) error
		RecordStop(ctx context.Context, id ContainerID) error
	}

	// LifecycleOption configures a Lifecycle.
	LifecycleOption func(*Lifecycle)

	// Lifecycle manages the build container of one session:
	// StateNone → StateStarting → StateRunning → StateStopping → StateNone.
	// Start while a session exists fails with ErrSessionActive; Stop without a
	// resolvable container fails with ErrNoSession.
	Lifecycle struct {
		engine   Engine
		runner   *ProcessRunner
		logger   *log.Logger
		recorder SessionRecorder
		progress []Subscriber
		newName  func() string

		readinessAttempts int
		readinessBackoff  time.Duration
		pullAttempts      int
		pullBackoff       time.Duration

		mu     sync.Mutex
		state  SessionState
		active *Session
	}
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger *log.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRecorder persists session records through r.
func WithRecorder(r SessionRecorder) LifecycleOption {
	return func(l *Lifecycle) {
		l.recorder = r
	}
}

// WithProgress streams pull and start output to fn.
func WithProgress(fn Subscriber) LifecycleOption {
	return func(l *Lifecycle) {
		if fn != nil {
			l.progress = append(l.progress, fn)
		}
	}
}

// WithReadiness polls the started container up to attempts times before the
// session is reported running. Zero attempts disables the check.
func WithReadiness(attempts int, backoff time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.readinessAttempts = attempts
		l.readinessBackoff = backoff
	}
}

// WithPullRetry sets how often a transient pull failure is retried.
func WithPullRetry(attempts int, backoff time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.pullAttempts = max(attempts, 1)
		l.pullBackoff = backoff
	}
}

// WithNameGenerator overrides container name generation.
func WithNameGenerator(fn func() string) LifecycleOption {
	return func(l *Lifecycle) {
		l.newName = fn
	}
}

// NewLifecycle creates a lifecycle for engine with no active session.
func NewLifecycle(engine Engine, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		engine:       engine,
		runner:       NewProcessRunner(engine),
		logger:       log.New(io.Discard),
		newName:      func() string { return SessionNamePrefix + uuid.NewString()[:8] },
		pullAttempts: defaultPullAttempts,
		pullBackoff:  defaultPullBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Engine returns the engine used by the lifecycle.
func (l *Lifecycle) Engine() Engine {
	return l.engine
}

// Runner returns the process runner shared by the lifecycle and its executors.
func (l *Lifecycle) Runner() *ProcessRunner {
	return l.runner
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Active returns a copy of the running session, if any.
func (l *Lifecycle) Active() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || l.state != StateRunning {
		return Session{}, false
	}
	return *l.active, true
}

// IsRunning reports whether id is the lifecycle's running session.
func (l *Lifecycle) IsRunning(id ContainerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateRunning && l.active != nil && l.active.ID == id
}

// EnsureImage pulls image. Pulling an image that is already present is a
// cheap no-op for the engine, so it is always issued. Transient registry
// failures are retried.
func (l *Lifecycle) EnsureImage(ctx context.Context, image ImageRef) error {
	if err := image.Validate(); err != nil {
		return err
	}

	l.logger.Info("pulling image", "image", image)
	args := l.engine.PullArgs(image)
	return RetryWithBackoff(ctx, l.pullAttempts, l.pullBackoff, func(attempt int) (bool, error) {
		res, err := l.runner.Run(ctx, args, WithSubscribers(l.progress...))
		if err != nil {
			return false, err
		}
		if res.ExitCode.IsSuccess() {
			return false, nil
		}
		cmdErr := &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
		retry := IsTransientError(cmdErr)
		if retry {
			l.logger.Warn("transient pull failure", "image", image, "attempt", attempt+1, "err", lastLine(res.Stderr))
		}
		return retry, cmdErr
	})
}

// Start launches a detached, auto-removed build container with workspace
// bind-mounted, idling on tail -f /dev/null. On any failure the lifecycle
// stays in StateNone.
func (l *Lifecycle) Start(ctx context.Context, image ImageRef, workspace VolumeMount) (*Session, error) {
	if err := image.Validate(); err != nil {
		return nil, err
	}
	if err := workspace.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.state != StateNone {
		id := ContainerID("")
		if l.active != nil {
			id = l.active.ID
		}
		l.mu.Unlock()
		return nil, fmt.Errorf("start build container (active %s): %w", id.Short(), ErrSessionActive)
	}
	l.state = StateStarting
	l.mu.Unlock()

	session, err := l.start(ctx, image, workspace)

	l.mu.Lock()
	if err != nil {
		l.state = StateNone
		l.mu.Unlock()
		return nil, err
	}
	l.state = StateRunning
	l.active = session
	l.mu.Unlock()

	l.record(func(r SessionRecorder) error { return r.RecordStart(ctx, *session) })
	l.logger.Info("build container started", "id", session.ID.Short(), "name", session.Name)

	out := *session
	return &out, nil
}

func (l *Lifecycle) start(ctx context.Context, image ImageRef, workspace VolumeMount) (*Session, error) {
	name := l.newName()
	args := l.engine.RunArgs(RunOptions{
		Image:   image,
		Command: keepAliveCommand,
		Volumes: []VolumeMount{workspace},
		Labels:  map[string]string{SessionLabel: name},
		Name:    name,
		Remove:  true,
		Detach:  true,
	})

	res, err := l.runner.Run(ctx, args, WithSubscribers(l.progress...))
	if err != nil {
		return nil, err
	}
	if !res.ExitCode.IsSuccess() {
		return nil, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	id := ContainerID(lastLine(res.Stdout))
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("engine did not report a container id: %w", err)
	}

	if l.readinessAttempts > 0 {
		if err := l.waitReady(ctx, id); err != nil {
			l.stopQuietly(id)
			return nil, err
		}
	}

	return &Session{
		ID:        id,
		Name:      name,
		Image:     image,
		Workspace: workspace,
		StartedAt: time.Now(),
	}, nil
}

func (l *Lifecycle) waitReady(ctx context.Context, id ContainerID) error {
	err := RetryWithBackoff(ctx, l.readinessAttempts, l.readinessBackoff, func(int) (bool, error) {
		running, err := l.inspectRunning(ctx, id)
		if err != nil {
			return !errors.Is(err, context.Canceled), err
		}
		if !running {
			return true, ErrContainerNotReady
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", id.Short(), err)
	}
	return nil
}

func (l *Lifecycle) inspectRunning(ctx context.Context, id ContainerID) (bool, error) {
	args := l.engine.InspectStateArgs(id)
	res, err := l.runner.Run(ctx, args)
	if err != nil {
		return false, err
	}
	if !res.ExitCode.IsSuccess() {
		return false, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout) == "true", nil
}

// Stop stops the container id. An empty id resolves to the active session;
// with no active session ErrNoSession is returned. Stopping an id other than
// the active session leaves the active session untouched.
func (l *Lifecycle) Stop(ctx context.Context, id ContainerID) error {
	l.mu.Lock()
	if id == "" {
		if l.active == nil || l.state != StateRunning {
			l.mu.Unlock()
			return ErrNoSession
		}
		id = l.active.ID
	}
	isActive := l.active != nil && l.active.ID == id
	if isActive {
		if l.state != StateRunning {
			l.mu.Unlock()
			return fmt.Errorf("stop %s while %s: %w", id.Short(), l.state, ErrNoSession)
		}
		l.state = StateStopping
	}
	l.mu.Unlock()

	if err := id.Validate(); err != nil {
		return err
	}

	l.logger.Info("stopping build container", "id", id.Short())
	args := l.engine.StopArgs(id)
	res, err := l.runner.Run(ctx, args)
	if err == nil && !res.ExitCode.IsSuccess() {
		err = &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	gone := err == nil || IsNoSuchContainer(err)
	if isActive {
		l.mu.Lock()
		if gone {
			l.state = StateNone
			l.active = nil
		} else {
			l.state = StateRunning
		}
		l.mu.Unlock()
	}
	if gone {
		l.record(func(r SessionRecorder) error { return r.RecordStop(ctx, id) })
	}
	return err
}

// StopBestEffort stops the active session for teardown paths. A missing
// session or an already removed container is not an error.
func (l *Lifecycle) StopBestEffort(ctx context.Context) error {
	err := l.Stop(ctx, "")
	if err == nil || errors.Is(err, ErrNoSession) || IsNoSuchContainer(err) {
		return nil
	}
	return err
}

// Resume adopts a container started by an earlier invocation as the active
// session. The container must be running.
func (l *Lifecycle) Resume(ctx context.Context, id ContainerID, image ImageRef) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.state != StateNone {
		l.mu.Unlock()
		return nil, fmt.Errorf("resume %s: %w", id.Short(), ErrSessionActive)
	}
	l.state = StateStarting
	l.mu.Unlock()

	running, err := l.inspectRunning(ctx, id)
	if err == nil && !running {
		err = fmt.Errorf("resume %s: %w", id.Short(), ErrSessionNotRunning)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateNone
		return nil, err
	}
	l.state = StateRunning
	l.active = &Session{ID: id, Image: image, StartedAt: time.Now(), Adopted: true}
	out := *l.active
	return &out, nil
}

func (l *Lifecycle) stopQuietly(id ContainerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := l.runner.Run(ctx, l.engine.StopArgs(id)); err != nil {
		l.logger.Warn("failed to stop unready container", "id", id.Short(), "err", err)
	}
}

func (l *Lifecycle) record(fn func(SessionRecorder) error) {
	if l.recorder == nil {
		return
	}
	if err := fn(l.recorder); err != nil {
		l.logger.Warn("failed to record session", "err", err)
	}
}

// IsNoSuchContainer reports whether err is an engine failure caused by a
// container that no longer exists.
func IsNoSuchContainer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	stderr := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(stderr, "no such container") || strings.Contains(stderr, "no container with name or id")
}
