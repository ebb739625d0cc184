// SPDX-License-Identifier: MPL-2.0

package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/afero"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/packs"
	"github.com/invowk/packwire/internal/service"
	"github.com/invowk/packwire/internal/workspace"
)

type fakeRunner struct {
	req   container.RunOnceRequest
	stdin string
	res   *container.CommandResult
	err   error
	calls int
}

func (f *fakeRunner) RunOnce(_ context.Context, req container.RunOnceRequest, _ ...container.RunOption) (*container.CommandResult, error) {
	f.calls++
	f.req = req
	if req.Stdin != nil {
		data, _ := io.ReadAll(req.Stdin)
		f.stdin = string(data)
	}
	return f.res, f.err
}

func newInvokeFixture(t *testing.T) (*workspace.Layout, *service.Function) {
	t.Helper()
	layout, err := workspace.New("/project/~st2", workspace.WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatal(err)
	}
	action := "name: get_issue\nparameters:\n  id:\n    type: integer\n    required: true\n"
	if err := afero.WriteFile(layout.Fs(), filepath.Join(layout.HostPackDir("github"), "actions", "get_issue.yaml"), []byte(action), 0o644); err != nil {
		t.Fatal(err)
	}
	fn := &service.Function{
		St2Function: "github.get_issue",
		Handler:     layout.HandlerRef(),
		Environment: map[string]string{service.EnvAction: "github.get_issue"},
	}
	return layout, fn
}

func successResult(stdout string) *container.CommandResult {
	payload, display := container.ExtractPayload(stdout)
	return &container.CommandResult{Stdout: stdout, Payload: payload, DisplayStdout: display}
}

func TestInvoker_Invoke(t *testing.T) {
	t.Parallel()

	layout, fn := newInvokeFixture(t)
	runner := &fakeRunner{res: successResult("START RequestId: 1\n{\"result\": {\"number\": 7}}\n")}
	var stages []string
	inv := NewInvoker(runner, layout, "/project", WithRuntimeImage("example/run:1"), WithStages(func(s Stage) { stages = append(stages, s.Name) }))

	res, err := inv.Invoke(context.Background(), Request{Name: "get_issue", Function: fn, Event: json.RawMessage(`{"id": 7}`)})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if string(res.Payload) != `{"result": {"number": 7}}` || res.Output != "START RequestId: 1\n" {
		t.Errorf("result = %+v", res)
	}

	req := runner.req
	if req.Image != "example/run:1" || !slices.Equal(req.Command, []string{"~st2/handler.stackstorm"}) {
		t.Errorf("request = %+v", req)
	}
	if len(req.Volumes) != 1 || req.Volumes[0].String() != "/project:/var/task" {
		t.Errorf("volumes = %v", req.Volumes)
	}
	if runner.stdin != `{"id": 7}` {
		t.Errorf("stdin = %q", runner.stdin)
	}
	if req.Env[EnvUseStdin] != "1" {
		t.Errorf("env %s = %q, want 1 so the runtime reads the event from stdin", EnvUseStdin, req.Env[EnvUseStdin])
	}
	if _, ok := req.Env[EnvPassthrough]; ok {
		t.Error("passthrough set without --passthrough")
	}
	if !slices.Equal(stages, []string{"event", "environment", "raw output"}) {
		t.Errorf("stages = %v", stages)
	}
	if _, ok := fn.Environment[EnvPassthrough]; ok {
		t.Error("Invoke mutated the function environment")
	}
}

func TestInvoker_ValidationFailsBeforeRun(t *testing.T) {
	t.Parallel()

	layout, fn := newInvokeFixture(t)
	runner := &fakeRunner{res: successResult("{}\n")}
	inv := NewInvoker(runner, layout, "/project")

	_, err := inv.Invoke(context.Background(), Request{Name: "get_issue", Function: fn, Event: json.RawMessage(`{"id": "x"}`)})
	var ve *packs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Invoke() err = %v, want *packs.ValidationError", err)
	}
	if runner.calls != 0 {
		t.Error("container started for an invalid event")
	}
}

func TestInvoker_Passthrough(t *testing.T) {
	t.Parallel()

	layout, fn := newInvokeFixture(t)
	runner := &fakeRunner{res: successResult("{\"live_params\": {}}\n")}
	inv := NewInvoker(runner, layout, "/project")

	if _, err := inv.Invoke(context.Background(), Request{Name: "get_issue", Function: fn, Event: json.RawMessage(`{"anything": true}`), Passthrough: true}); err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if runner.req.Env[EnvPassthrough] != "true" {
		t.Errorf("env = %v", runner.req.Env)
	}
}

func TestInvoker_FunctionError(t *testing.T) {
	t.Parallel()

	layout, fn := newInvokeFixture(t)
	runner := &fakeRunner{res: successResult("{\"errorMessage\": \"No action named\", \"errorType\": \"ValueError\"}\n")}
	inv := NewInvoker(runner, layout, "/project")

	res, err := inv.Invoke(context.Background(), Request{Name: "get_issue", Function: fn, Event: json.RawMessage(`{"id": 1}`)})
	var fnErr *FunctionError
	if !errors.As(err, &fnErr) || fnErr.Type != "ValueError" {
		t.Fatalf("Invoke() err = %v, want *FunctionError", err)
	}
	var cmdErr *container.CommandError
	if errors.As(err, &cmdErr) {
		t.Error("FunctionError must be distinct from CommandError")
	}
	if res == nil {
		t.Error("result should accompany a FunctionError")
	}
}

func TestInvoker_CommandError(t *testing.T) {
	t.Parallel()

	layout, fn := newInvokeFixture(t)
	res := &container.CommandResult{ExitCode: 1, Stderr: "Traceback\n"}
	runner := &fakeRunner{res: res, err: &container.CommandError{ExitCode: 1, Stderr: res.Stderr}}
	inv := NewInvoker(runner, layout, "/project")

	out, err := inv.Invoke(context.Background(), Request{Name: "get_issue", Function: fn, Event: json.RawMessage(`{"id": 1}`)})
	var cmdErr *container.CommandError
	if !errors.As(err, &cmdErr) || out.ExitCode != 1 {
		t.Errorf("Invoke() = %+v, %v", out, err)
	}
}

func TestInvoker_NotStackStorm(t *testing.T) {
	t.Parallel()

	layout, _ := newInvokeFixture(t)
	inv := NewInvoker(&fakeRunner{}, layout, "/project")
	_, err := inv.Invoke(context.Background(), Request{Name: "plain", Function: &service.Function{Handler: "a.b"}})
	if !errors.Is(err, ErrNotStackStorm) {
		t.Errorf("Invoke() err = %v", err)
	}
}
