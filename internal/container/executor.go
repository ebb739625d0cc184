// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/invowk/packwire/pkg/types"
)

// RunOnceNamePrefix prefixes the names of throwaway containers.
const RunOnceNamePrefix = "packwire-run-"

type (
	// CommandResult is the buffered outcome of a container command.
	CommandResult struct {
		Args     []string
		ExitCode types.ExitCode
		// Stdout and Stderr hold the complete output in arrival order.
		Stdout string
		Stderr string
		// Payload is the JSON result printed as the last non-empty stdout line, if any.
		Payload json.RawMessage
		// DisplayStdout is Stdout without the payload line.
		DisplayStdout string
		Duration      time.Duration
	}

	// CommandError is returned together with the CommandResult when a
	// command exits non-zero.
	CommandError struct {
		Args     []string
		ExitCode types.ExitCode
		Stderr   string
	}

	// RunOnceRequest describes a command run in a throwaway container.
	RunOnceRequest struct {
		Image   ImageRef
		Volumes []VolumeMount
		Env     map[string]string
		WorkDir string
		Command []string
		Stdin   io.Reader
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)

	// Executor runs commands in the session container (Exec) or in a fresh
	// auto-removed container (RunOnce).
	Executor struct {
		lifecycle   *Lifecycle
		subscribers []Subscriber
		logger      *log.Logger
	}
)

// Error implements the error interface. The last non-empty stderr line is
// included since engines and pip print the actual cause there.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", strings.Join(e.Args, " "), e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// WithOutputSubscriber streams every command's output to fn.
func WithOutputSubscriber(fn Subscriber) ExecutorOption {
	return func(x *Executor) {
		if fn != nil {
			x.subscribers = append(x.subscribers, fn)
		}
	}
}

// WithExecutorLogger sets the logger used for command tracing.
func WithExecutorLogger(logger *log.Logger) ExecutorOption {
	return func(x *Executor) {
		x.logger = logger
	}
}

// NewExecutor creates an executor bound to the lifecycle that owns the sessions.
func NewExecutor(lifecycle *Lifecycle, opts ...ExecutorOption) *Executor {
	x := &Executor{
		lifecycle: lifecycle,
		logger:    lifecycle.logger,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Exec runs argv inside the running session container. The session must be
// the lifecycle's running session; otherwise ErrNoSession or
// ErrSessionNotRunning is returned without spawning anything.
func (x *Executor) Exec(ctx context.Context, session *Session, argv []string, opts ...RunOption) (*CommandResult, error) {
	if session == nil {
		return nil, ErrNoSession
	}
	if !x.lifecycle.IsRunning(session.ID) {
		return nil, fmt.Errorf("exec in %s: %w", session.ID.Short(), ErrSessionNotRunning)
	}

	args := x.lifecycle.engine.ExecArgs(session.ID, argv, ExecOptions{})
	x.logger.Debug("exec", "container", session.ID.Short(), "argv", strings.Join(argv, " "))
	return x.run(ctx, args, opts...)
}

// RunOnce runs a command in a new container that the engine removes on exit.
// Killing the engine client does not stop the container, so when the run is
// canceled or fails without an exit status the container is removed by name.
func (x *Executor) RunOnce(ctx context.Context, req RunOnceRequest, opts ...RunOption) (*CommandResult, error) {
	if err := req.Image.Validate(); err != nil {
		return nil, err
	}
	for _, v := range req.Volumes {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	name := RunOnceNamePrefix + uuid.NewString()[:8]
	runOpts := RunOptions{
		Name:    name,
		Image:   req.Image,
		Command: req.Command,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Volumes: req.Volumes,
		Remove:  true,
	}
	if req.Stdin != nil {
		runOpts.Interactive = true
		opts = append(opts, WithStdin(req.Stdin))
	}

	args := x.lifecycle.engine.RunArgs(runOpts)
	x.logger.Debug("run once", "name", name, "image", req.Image, "argv", strings.Join(req.Command, " "))
	res, err := x.run(ctx, args, opts...)
	if err != nil && needsRemoval(err) {
		x.removeQuietly(ctx, name)
	}
	return res, err
}

// needsRemoval reports whether a run may have left its container behind:
// the command did not exit on its own and was not a spawn failure.
func needsRemoval(err error) bool {
	var (
		cmdErr   *CommandError
		spawnErr *SpawnError
	)
	return !errors.As(err, &cmdErr) && !errors.As(err, &spawnErr)
}

func (x *Executor) removeQuietly(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	res, err := x.lifecycle.runner.Run(ctx, x.lifecycle.engine.RemoveArgs(ContainerID(name), true))
	if err == nil && res.ExitCode.IsSuccess() {
		x.logger.Debug("removed throwaway container", "name", name)
		return
	}
	if err == nil && strings.Contains(strings.ToLower(res.Stderr), "no such container") {
		return
	}
	x.logger.Warn("failed to remove throwaway container", "name", name, "err", err)
}

func (x *Executor) run(ctx context.Context, args []string, opts ...RunOption) (*CommandResult, error) {
	allOpts := append([]RunOption{WithSubscribers(x.subscribers...)}, opts...)
	res, err := x.lifecycle.runner.Run(ctx, args, allOpts...)
	if res == nil {
		return nil, err
	}

	result := newCommandResult(res)
	if err != nil {
		return result, err
	}
	if !result.ExitCode.IsSuccess() {
		return result, &CommandError{Args: args, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

func newCommandResult(res *ProcessResult) *CommandResult {
	payload, display := ExtractPayload(res.Stdout)
	return &CommandResult{
		Args:          res.Args,
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		Payload:       payload,
		DisplayStdout: display,
		Duration:      res.Duration,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
