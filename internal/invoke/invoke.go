// SPDX-License-Identifier: MPL-2.0

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/packs"
	"github.com/invowk/packwire/internal/service"
	"github.com/invowk/packwire/internal/workspace"
)

const (
	// EnvPassthrough makes the adapter echo parameters instead of running the action.
	EnvPassthrough = "ST2_PASSTHROUGH"

	// EnvUseStdin makes the runtime image read the event from stdin instead
	// of its second argument.
	EnvUseStdin = "DOCKER_LAMBDA_USE_STDIN"

	// DefaultRuntimeImage mirrors the function runtime.
	DefaultRuntimeImage = "lambci/lambda:python2.7"
)

// ErrNotStackStorm is returned when the function does not use st2_function.
var ErrNotStackStorm = errors.New("function does not reference a StackStorm action")

type (
	// Runner runs a command in a throwaway container.
	Runner interface {
		RunOnce(ctx context.Context, req container.RunOnceRequest, opts ...container.RunOption) (*container.CommandResult, error)
	}

	// Request describes one local invocation.
	Request struct {
		Name     string
		Function *service.Function
		Event    json.RawMessage
		// Passthrough skips parameter validation and asks the adapter to
		// return the rendered parameters instead of running the action.
		Passthrough bool
	}

	// Result is the outcome of an invocation.
	Result struct {
		// Payload is the function's JSON result, if it printed one.
		Payload json.RawMessage
		// Output is everything else the container printed on stdout.
		Output   string
		Stderr   string
		Env      map[string]string
		ExitCode int
	}

	// FunctionError is returned when the function ran but reported an error
	// through its payload.
	FunctionError struct {
		Function string
		Message  string
		Type     string
		Trace    []string
	}

	// Stage is reported to the verbose hook as an invocation progresses.
	Stage struct {
		Name   string
		Detail string
	}

	// InvokerOption configures an Invoker.
	InvokerOption func(*Invoker)

	// Invoker runs prepared functions in the runtime image.
	Invoker struct {
		runner     Runner
		layout     *workspace.Layout
		projectDir string
		image      container.ImageRef
		logger     *log.Logger
		onStage    func(Stage)
		runOptions []container.RunOption
	}

	errorPayload struct {
		ErrorMessage string   `json:"errorMessage"`
		ErrorType    string   `json:"errorType"`
		StackTrace   []string `json:"stackTrace"`
	}
)

func (e *FunctionError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("function %s failed: %s: %s", e.Function, e.Type, e.Message)
	}
	return fmt.Sprintf("function %s failed: %s", e.Function, e.Message)
}

// WithRuntimeImage sets the image functions run in.
func WithRuntimeImage(image container.ImageRef) InvokerOption {
	return func(i *Invoker) {
		if image != "" {
			i.image = image
		}
	}
}

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(logger *log.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithStages reports each invocation stage to fn (verbose mode).
func WithStages(fn func(Stage)) InvokerOption {
	return func(i *Invoker) {
		i.onStage = fn
	}
}

// WithRunOptions passes extra options, such as output subscribers, to every run.
func WithRunOptions(opts ...container.RunOption) InvokerOption {
	return func(i *Invoker) {
		i.runOptions = append(i.runOptions, opts...)
	}
}

// NewInvoker creates an invoker that mounts projectDir at the task root.
func NewInvoker(runner Runner, layout *workspace.Layout, projectDir string, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		runner:     runner,
		layout:     layout,
		projectDir: projectDir,
		image:      DefaultRuntimeImage,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke validates the event against the action's parameters (unless
// Passthrough), then runs the function handler with the event on stdin.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	fn := req.Function
	if fn == nil || !fn.IsStackStorm() {
		return nil, fmt.Errorf("%s: %w", req.Name, ErrNotStackStorm)
	}
	ref, err := fn.ActionRef()
	if err != nil {
		return nil, err
	}

	event := req.Event
	if len(event) == 0 {
		event = json.RawMessage("{}")
	}
	i.stage("event", string(event))

	if !req.Passthrough {
		if err := i.validateEvent(ref, event); err != nil {
			return nil, err
		}
	}

	env := maps.Clone(fn.Environment)
	if env == nil {
		env = map[string]string{}
	}
	if req.Passthrough {
		env[EnvPassthrough] = "true"
	}
	env[EnvUseStdin] = "1"
	i.stage("environment", formatEnv(env))

	handler := fn.Handler
	if handler == "" {
		handler = i.layout.HandlerRef()
	}

	i.logger.Info("invoking function", "function", req.Name, "action", ref, "image", i.image)
	res, runErr := i.runner.RunOnce(ctx, container.RunOnceRequest{
		Image: i.image,
		Volumes: []container.VolumeMount{{
			HostPath:      container.HostFilesystemPath(i.projectDir),
			ContainerPath: container.MountTargetPath(workspace.TaskRoot),
		}},
		Env:     env,
		Command: []string{handler},
		Stdin:   bytes.NewReader(event),
	}, i.runOptions...)
	if res == nil {
		return nil, runErr
	}
	i.stage("raw output", res.Stdout)

	out := &Result{
		Payload:  res.Payload,
		Output:   res.DisplayStdout,
		Stderr:   res.Stderr,
		Env:      env,
		ExitCode: int(res.ExitCode),
	}
	if fnErr := decodeFunctionError(req.Name, res.Payload); fnErr != nil {
		return out, fnErr
	}
	return out, runErr
}

func (i *Invoker) validateEvent(ref packs.ActionRef, event json.RawMessage) error {
	action, err := packs.ReadAction(i.layout, ref)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(event, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return packs.Validate("event for "+ref.String(), action.ParameterSchema(), doc)
}

func (i *Invoker) stage(name, detail string) {
	if i.onStage != nil {
		i.onStage(Stage{Name: name, Detail: detail})
	}
}

func decodeFunctionError(name string, payload json.RawMessage) *FunctionError {
	if len(payload) == 0 {
		return nil
	}
	var ep errorPayload
	if err := json.Unmarshal(payload, &ep); err != nil || ep.ErrorMessage == "" {
		return nil
	}
	return &FunctionError{Function: name, Message: ep.ErrorMessage, Type: ep.ErrorType, Trace: ep.StackTrace}
}

func formatEnv(env map[string]string) string {
	var buf bytes.Buffer
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(&buf, "%s=%s\n", k, env[k])
	}
	return buf.String()
}
