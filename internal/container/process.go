// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/invowk/packwire/pkg/types"
)

const (
	// Stdout is the standard output channel of a process.
	Stdout Channel = iota
	// Stderr is the standard error channel of a process.
	Stderr
)

// ErrProcessCanceled is returned by Process.Wait when the process was
// terminated through Cancel or its context.
var ErrProcessCanceled = errors.New("process canceled")

type (
	// Channel identifies the output stream a chunk arrived on.
	Channel int

	// Chunk is a piece of output delivered to subscribers as it arrives.
	Chunk struct {
		Channel Channel
		Data    []byte
	}

	// Subscriber receives output chunks. Calls are serialized.
	Subscriber func(Chunk)

	// CommandFactory creates engine commands. Engines implement it.
	CommandFactory interface {
		CreateCommand(ctx context.Context, args ...string) *exec.Cmd
	}

	// RunOption configures a single process start.
	RunOption func(*runConfig)

	runConfig struct {
		subscribers []Subscriber
		stdin       io.Reader
	}

	// ProcessRunner spawns engine command lines and buffers their output.
	ProcessRunner struct {
		factory CommandFactory
	}

	// ProcessResult is the outcome of a process that ran to completion.
	// A non-zero ExitCode is a result, not an error.
	ProcessResult struct {
		Args     []string
		ExitCode types.ExitCode
		Stdout   string
		Stderr   string
		Duration time.Duration
	}

	// Process is the completion handle of a started command.
	Process struct {
		args   []string
		cmd    *exec.Cmd
		cancel context.CancelFunc
		done   chan struct{}
		result *ProcessResult
		err    error
	}

	// SpawnError is returned when the engine binary could not be started at
	// all, so no exit status exists.
	SpawnError struct {
		Binary string
		Args   []string
		Err    error
	}

	chunkDispatcher struct {
		mu          sync.Mutex
		subscribers []Subscriber
	}

	channelWriter struct {
		channel    Channel
		buf        *bytes.Buffer
		dispatcher *chunkDispatcher
	}
)

func (c Channel) String() string {
	switch c {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s %s: %v", e.Binary, strings.Join(e.Args, " "), e.Err)
}

// Unwrap returns the underlying exec error (e.g. exec.ErrNotFound).
func (e *SpawnError) Unwrap() error { return e.Err }

// WithSubscriber registers a callback that receives output chunks as they arrive.
func WithSubscriber(fn Subscriber) RunOption {
	return func(c *runConfig) {
		if fn != nil {
			c.subscribers = append(c.subscribers, fn)
		}
	}
}

// WithSubscribers registers several callbacks at once.
func WithSubscribers(fns ...Subscriber) RunOption {
	return func(c *runConfig) {
		for _, fn := range fns {
			if fn != nil {
				c.subscribers = append(c.subscribers, fn)
			}
		}
	}
}

// WithStdin pipes r to the process stdin.
func WithStdin(r io.Reader) RunOption {
	return func(c *runConfig) {
		c.stdin = r
	}
}

// WriterSubscriber returns a subscriber that copies the given channel to w.
func WriterSubscriber(ch Channel, w io.Writer) Subscriber {
	return func(c Chunk) {
		if c.Channel == ch {
			_, _ = w.Write(c.Data)
		}
	}
}

// NewProcessRunner creates a runner that spawns commands through factory.
func NewProcessRunner(factory CommandFactory) *ProcessRunner {
	return &ProcessRunner{factory: factory}
}

// Start spawns the command and returns its completion handle. A failure to
// spawn is returned here as a *SpawnError; everything after that is reported
// by Process.Wait.
func (r *ProcessRunner) Start(ctx context.Context, args []string, opts ...RunOption) (*Process, error) {
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := r.factory.CreateCommand(procCtx, args...)

	var stdout, stderr bytes.Buffer
	dispatcher := &chunkDispatcher{subscribers: cfg.subscribers}
	cmd.Stdout = &channelWriter{channel: Stdout, buf: &stdout, dispatcher: dispatcher}
	cmd.Stderr = &channelWriter{channel: Stderr, buf: &stderr, dispatcher: dispatcher}
	if cfg.stdin != nil {
		cmd.Stdin = cfg.stdin
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Binary: cmd.Path, Args: args, Err: err}
	}

	p := &Process{
		args:   args,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer cancel()

		waitErr := cmd.Wait()
		result := &ProcessResult{
			Args:     args,
			Duration: time.Since(started),
		}
		dispatcher.mu.Lock()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		dispatcher.mu.Unlock()

		switch {
		case procCtx.Err() != nil && waitErr != nil:
			result.ExitCode = exitCodeOf(waitErr)
			p.err = fmt.Errorf("%w: %w", ErrProcessCanceled, context.Cause(procCtx))
		case waitErr != nil:
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				result.ExitCode = types.ExitFailure
				p.err = fmt.Errorf("wait for %s: %w", strings.Join(args, " "), waitErr)
				break
			}
			result.ExitCode = exitCodeOf(waitErr)
		}
		p.result = result
	}()

	return p, nil
}

// Run starts the command and waits for it.
func (r *ProcessRunner) Run(ctx context.Context, args []string, opts ...RunOption) (*ProcessResult, error) {
	p, err := r.Start(ctx, args, opts...)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// Wait blocks until the process exits. The result is always non-nil once the
// process started; the error is set only for cancellation or I/O failures.
func (p *Process) Wait() (*ProcessResult, error) {
	<-p.done
	return p.result, p.err
}

// Done is closed when the process has exited and its output is buffered.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Cancel kills the process. Wait then reports ErrProcessCanceled.
func (p *Process) Cancel() {
	p.cancel()
}

// Args returns the engine arguments of the process.
func (p *Process) Args() []string {
	return p.args
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (w *channelWriter) Write(b []byte) (int, error) {
	w.dispatcher.mu.Lock()
	defer w.dispatcher.mu.Unlock()

	n, _ := w.buf.Write(b)
	if len(w.dispatcher.subscribers) > 0 {
		data := bytes.Clone(b)
		for _, sub := range w.dispatcher.subscribers {
			sub(Chunk{Channel: w.channel, Data: data})
		}
	}
	return n, nil
}

func exitCodeOf(err error) types.ExitCode {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return types.ExitCode(code)
		}
	}
	return types.ExitFailure
}
