// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/invowk/packwire/internal/config"
	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/invoke"
	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/internal/provision"
	"github.com/invowk/packwire/internal/service"
	"github.com/invowk/packwire/internal/testutil"
	"github.com/invowk/packwire/internal/workspace"
	"github.com/invowk/packwire/pkg/types"
)

const helloAction = `name: hello
description: Say hello
runner_type: python-script
entry_point: hello.py
parameters:
  name:
    type: string
    required: true
    position: 0
  greeting:
    type: string
    default: Hello
`

const testDescriptor = `service: demo
provider:
  name: aws
  runtime: python2.7
functions:
  hello:
    st2_function: demo.hello
  bare:
    st2_function: plain.noop
  native:
    handler: handler.main
`

// newSequenceHarness sets up a project using two packs served by a local
// index: demo has requirements, plain has none.
func newSequenceHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	demo := testutil.NewGitRepo(t, map[string]string{
		"pack.yaml":          "name: demo\n",
		"actions/hello.yaml": helloAction,
		"requirements.txt":   "requests\n",
	})
	plain := testutil.NewGitRepo(t, map[string]string{
		"pack.yaml":         "name: plain\n",
		"actions/noop.yaml": "name: noop\nrunner_type: python-script\n",
	})
	h.serveIndex(map[string]index.Pack{
		"demo":  {Name: "demo", RepoURL: demo},
		"plain": {Name: "plain", RepoURL: plain},
	})
	h.writeProjectFile("serverless.yml", testDescriptor)
	return h
}

func testLayout(t *testing.T, h *harness) *workspace.Layout {
	t.Helper()
	layout, err := workspace.New(h.workspaceDir())
	if err != nil {
		t.Fatal(err)
	}
	return layout
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}
}

func assertNotExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be absent, stat err = %v", path, err)
	}
}

func TestWorkspaceSequence(t *testing.T) {
	h := newSequenceHarness(t)
	layout := testLayout(t, h)

	h.mustRun("install", "adapter")
	for _, name := range workspace.AdapterFiles() {
		assertExists(t, filepath.Join(h.workspaceDir(), name))
	}

	h.mustRun("install", "deps")
	assertExists(t, layout.HostDepsPrefix())
	if n := len(h.engineCallsWithPrefix("pull ")); n != 1 {
		t.Errorf("pull calls = %d, want 1", n)
	}
	if n := len(h.engineCallsWithPrefix("exec ")); n != 1 {
		t.Errorf("exec calls = %d, want 1: %v", n, h.engineCalls())
	}
	if n := len(h.engineCallsWithPrefix("stop " + fakeContainerID)); n != 1 {
		t.Errorf("build container not stopped: %v", h.engineCalls())
	}

	out := h.mustRun("install", "packs")
	if !strings.Contains(out, "cloned") {
		t.Errorf("install packs output = %q", out)
	}
	assertExists(t, filepath.Join(layout.HostPackDir("demo"), "actions", "hello.yaml"))
	assertExists(t, filepath.Join(layout.HostPackDir("plain"), "actions", "noop.yaml"))

	h.resetEngineLog()
	out = h.mustRun("install", "packDeps", "--no-pull")
	assertExists(t, layout.HostPackPrefix("demo"))
	assertExists(t, layout.HostPackPrefix("plain"))
	if !strings.Contains(out, "2 installed") {
		t.Errorf("report = %q", out)
	}
	if len(h.engineCallsWithPrefix("pull ")) != 0 {
		t.Error("--no-pull still pulled")
	}
	bash := slices.ContainsFunc(h.engineCalls(), func(c string) bool {
		return strings.Contains(c, "/bin/bash -c") && strings.Contains(c, "packs/demo/requirements.txt")
	})
	if !bash {
		t.Errorf("demo requirements not installed: %v", h.engineCalls())
	}

	h.resetEngineLog()
	out = h.mustRun("install", "packDeps", "--no-pull")
	if calls := h.engineCalls(); len(calls) != 0 {
		t.Errorf("second packDeps did container work: %v", calls)
	}
	if !strings.Contains(out, "2 skipped") {
		t.Errorf("second report = %q", out)
	}
}

func TestInstallDeps_VerboseReportsEngineVersion(t *testing.T) {
	h := newSequenceHarness(t)
	h.mustRun("install", "adapter")

	h.mustRun("install", "deps")
	if n := len(h.engineCallsWithPrefix("version ")); n != 0 {
		t.Errorf("version queried without --verbose: %v", h.engineCalls())
	}

	h.resetEngineLog()
	h.mustRun("--verbose", "install", "deps")
	if n := len(h.engineCallsWithPrefix("version --format")); n != 1 {
		t.Errorf("version calls = %d, want 1: %v", n, h.engineCalls())
	}
}

func TestInstallPackDeps_Force(t *testing.T) {
	h := newSequenceHarness(t)
	h.mustRun("install", "packs", "--pack", "demo")
	h.mustRun("install", "packDeps", "--no-pull", "--pack", "demo")

	h.resetEngineLog()
	out := h.mustRun("install", "packDeps", "--no-pull", "--pack", "demo", "--force")
	if !strings.Contains(out, "installed") {
		t.Errorf("output = %q", out)
	}
	if len(h.engineCallsWithPrefix("exec ")) == 0 {
		t.Error("forced reinstall issued no commands")
	}
}

func TestInstallPackDeps_Failure(t *testing.T) {
	h := newSequenceHarness(t)
	h.mustRun("install", "packs", "--pack", "demo")
	h.failOn = "pip --isolated"

	_, _, err := h.run("install", "packDeps", "--no-pull")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := exitCodeOf(err); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.DependencyInstallFailedId {
		t.Errorf("err = %v, want dependency install issue", err)
	}

	assertNotExists(t, testLayout(t, h).HostPackPrefix("demo"))
	if len(h.engineCallsWithPrefix("stop ")) != 1 {
		t.Errorf("build container not stopped after failure: %v", h.engineCalls())
	}
}

func TestInstallPackDeps_NotCloned(t *testing.T) {
	h := newSequenceHarness(t)

	_, _, err := h.run("install", "packDeps", "--no-pull", "--pack", "demo")
	if !errors.Is(err, provision.ErrPackNotCloned) {
		t.Fatalf("err = %v, want ErrPackNotCloned", err)
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.PackNotFoundId {
		t.Errorf("issue = %v", err)
	}
	if calls := h.engineCallsWithPrefix("run "); len(calls) != 0 {
		t.Errorf("started a build container: %v", calls)
	}
	assertNotExists(t, testLayout(t, h).HostPackPrefix("demo"))
}

func TestInstallPackDeps_NoPullMissingImage(t *testing.T) {
	h := newSequenceHarness(t)
	h.mustRun("install", "packs", "--pack", "demo")
	h.resetEngineLog()
	h.failOn = "image inspect"

	_, _, err := h.run("install", "packDeps", "--no-pull", "--pack", "demo")
	if !errors.Is(err, container.ErrImageNotPresent) {
		t.Fatalf("err = %v, want ErrImageNotPresent", err)
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.ImagePullFailedId {
		t.Errorf("issue = %v", err)
	}
	if calls := h.engineCallsWithPrefix("run "); len(calls) != 0 {
		t.Errorf("started a build container: %v", calls)
	}
}

func TestInstallPacks_UnknownPack(t *testing.T) {
	h := newSequenceHarness(t)

	_, _, err := h.run("install", "packs", "--pack", "missing")
	if !errors.Is(err, index.ErrPackNotFound) {
		t.Fatalf("err = %v, want ErrPackNotFound", err)
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.PackNotFoundId {
		t.Errorf("issue = %v", err)
	}
}

func TestInstallPacks_NoDescriptor(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.run("install", "packs"); !errors.Is(err, errNoPacks) {
		t.Errorf("err = %v, want errNoPacks", err)
	}
}

func TestDockerSessionCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("docker", "start")
	if strings.TrimSpace(out) != fakeContainerID {
		t.Errorf("start output = %q", out)
	}

	out = h.mustRun("docker", "ps")
	if !strings.Contains(out, container.ContainerID(fakeContainerID).Short()) || !strings.Contains(out, "running") {
		t.Errorf("ps output = %q", out)
	}

	out = h.mustRun("docker", "exec", "--cmd", "echo 'hello world'")
	if strings.TrimSpace(out) != "echo hello world" {
		t.Errorf("exec output = %q", out)
	}
	if !slices.Contains(h.engineCalls(), "exec "+fakeContainerID+" echo hello world") {
		t.Errorf("exec args = %v", h.engineCalls())
	}

	h.mustRun("docker", "stop")
	if len(h.engineCallsWithPrefix("stop "+fakeContainerID)) != 1 {
		t.Errorf("stop not issued: %v", h.engineCalls())
	}

	_, _, err := h.run("docker", "stop")
	if !errors.Is(err, container.ErrNoSession) {
		t.Fatalf("second stop err = %v, want ErrNoSession", err)
	}
	if code := exitCodeOf(err); code != 1 {
		t.Errorf("exit code = %d", code)
	}

	out = h.mustRun("docker", "prune")
	if !strings.Contains(out, "removed 1 session records") {
		t.Errorf("prune output = %q", out)
	}
}

func TestDockerExec_FailureExitCode(t *testing.T) {
	h := newHarness(t)
	h.mustRun("docker", "start")
	h.failOn = "false"

	_, _, err := h.run("docker", "exec", "--id", fakeContainerID, "--cmd", "false")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("err = %v, want ExitError with code 2", err)
	}
	if code := exitCodeOf(err); code != 2 {
		t.Errorf("exit code = %d", code)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Setenv("PACKWIRE_TEST_HOST_ONLY", "host-value")

	tests := []struct {
		in   string
		want []string
	}{
		{"echo 'hello world'", []string{"echo", "hello world"}},
		{"echo $PACKWIRE_TEST_HOST_ONLY $PYTHONPATH", []string{"echo", "$PACKWIRE_TEST_HOST_ONLY", "$PYTHONPATH"}},
		{`sh -c "ls $HOME/lib"`, []string{"sh", "-c", "ls $HOME/lib"}},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := splitCommand(tt.in)
		if err != nil {
			t.Errorf("splitCommand(%q) error: %v", tt.in, err)
			continue
		}
		if len(got) != 0 || len(tt.want) != 0 {
			if !slices.Equal(got, tt.want) {
				t.Errorf("splitCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		}
	}

	if _, err := splitCommand("echo 'unterminated"); err == nil {
		t.Error("splitCommand() accepted an unterminated quote")
	}
}

func TestDockerExec_KeepsContainerVariables(t *testing.T) {
	h := newHarness(t)
	h.mustRun("docker", "start")
	t.Setenv("PACKWIRE_TEST_HOST_ONLY", "host-value")

	h.mustRun("docker", "exec", "--cmd", "echo $PACKWIRE_TEST_HOST_ONLY $PYTHONPATH")
	want := "exec " + fakeContainerID + " echo $PACKWIRE_TEST_HOST_ONLY $PYTHONPATH"
	if !slices.Contains(h.engineCalls(), want) {
		t.Errorf("exec args = %v, want %q", h.engineCalls(), want)
	}
}

// newRunHarness prepares a project whose demo pack is already in the workspace.
func newRunHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.writeProjectFile("serverless.yml", "service: demo\nfunctions:\n  hello:\n    st2_function: demo.hello\n")
	h.writeProjectFile("~st2/packs/demo/actions/hello.yaml", helloAction)
	return h
}

func TestDockerRun(t *testing.T) {
	h := newRunHarness(t)
	h.payload = `{"result": {"greeting": "Hello x"}}`

	out := h.mustRun("docker", "run", "-f", "hello", "--data", `{"name": "x"}`)
	if !strings.Contains(out, `"greeting": "Hello x"`) {
		t.Errorf("payload = %q", out)
	}
	runs := h.engineCallsWithPrefix("run --rm")
	if len(runs) != 1 {
		t.Fatalf("run calls = %v", h.engineCalls())
	}
	if !strings.Contains(runs[0], "lambci/lambda:python2.7") || !strings.Contains(runs[0], "~st2/handler.stackstorm") {
		t.Errorf("run args = %q", runs[0])
	}
	if strings.Contains(runs[0], invoke.EnvPassthrough) {
		t.Errorf("passthrough set without --passthrough: %q", runs[0])
	}
	for _, want := range []string{" -i ", "-e " + invoke.EnvUseStdin + "=1", "--name " + container.RunOnceNamePrefix} {
		if !strings.Contains(runs[0], want) {
			t.Errorf("run args = %q, want %q", runs[0], want)
		}
	}
}

func TestDockerRun_Passthrough(t *testing.T) {
	h := newRunHarness(t)
	h.payload = `{"name": "x"}`
	h.stdin = `{"unknown": 1}`

	h.mustRun("docker", "run", "-f", "hello", "--passthrough")
	runs := h.engineCallsWithPrefix("run --rm")
	if len(runs) != 1 || !strings.Contains(runs[0], invoke.EnvPassthrough+"=true") {
		t.Errorf("run calls = %v", runs)
	}
}

func TestDockerRun_InvalidEventStartsNothing(t *testing.T) {
	h := newRunHarness(t)

	_, _, err := h.run("docker", "run", "-f", "hello", "--data", `{"greeting": "hi"}`)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if calls := h.engineCalls(); len(calls) != 0 {
		t.Errorf("engine called for an invalid event: %v", calls)
	}
}

func TestDockerRun_MissingEventFile(t *testing.T) {
	h := newRunHarness(t)

	_, _, err := h.run("docker", "run", "-f", "hello", "--path", filepath.Join(h.projectDir, "nope.json"))
	if !errors.Is(err, invoke.ErrEventFileNotFound) {
		t.Fatalf("err = %v, want ErrEventFileNotFound", err)
	}
	if calls := h.engineCalls(); len(calls) != 0 {
		t.Errorf("engine called: %v", calls)
	}
}

func TestDockerRun_FunctionError(t *testing.T) {
	h := newRunHarness(t)
	h.payload = `{"errorMessage": "boom", "errorType": "ValueError"}`

	out, _, err := h.run("docker", "run", "-f", "hello", "--data", `{"name": "x"}`)
	var fnErr *invoke.FunctionError
	if !errors.As(err, &fnErr) || fnErr.Message != "boom" {
		t.Fatalf("err = %v, want FunctionError", err)
	}
	if code := exitCodeOf(err); code != int(types.ExitFailure) {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("error payload not printed: %q", out)
	}
}

func TestDockerRun_UnknownFunction(t *testing.T) {
	h := newRunHarness(t)
	if _, _, err := h.run("docker", "run", "-f", "nope"); !errors.Is(err, service.ErrFunctionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestPackage(t *testing.T) {
	h := newSequenceHarness(t)
	layout := testLayout(t, h)

	out := h.mustRun("package")
	if !strings.Contains(out, "~st2/handler.stackstorm") {
		t.Errorf("descriptor not rewritten:\n%s", out)
	}
	if !strings.Contains(out, "~st2/**/.git/**") {
		t.Errorf("git exclude missing:\n%s", out)
	}
	if !strings.Contains(out, "handler.main") {
		t.Errorf("native function changed:\n%s", out)
	}

	assertExists(t, filepath.Join(h.workspaceDir(), "handler.py"))
	assertExists(t, layout.HostDepsPrefix())
	assertExists(t, layout.HostPackPrefix("demo"))
	assertExists(t, layout.HostPackPrefix("plain"))
	if len(h.engineCallsWithPrefix("pull ")) != 1 || len(h.engineCallsWithPrefix("stop ")) != 1 {
		t.Errorf("engine calls = %v", h.engineCalls())
	}
}

func TestPackage_LocalToFile(t *testing.T) {
	h := newSequenceHarness(t)
	dest := filepath.Join(h.projectDir, "out.yml")

	out := h.mustRun("package", "--local", "-o", dest)
	if out != "" {
		t.Errorf("stdout = %q, want empty", out)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ST2_ACTION") {
		t.Errorf("environment not injected:\n%s", data)
	}
	if calls := h.engineCalls(); len(calls) != 0 {
		t.Errorf("--local touched the engine: %v", calls)
	}
}

func TestPackage_RequiresDescriptor(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("package", "--local")
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.DescriptorNotFoundId {
		t.Errorf("err = %v, want descriptor not found", err)
	}
}

func TestInfo(t *testing.T) {
	h := newSequenceHarness(t)

	out := h.mustRun("info", "--action", "demo.hello")
	for _, want := range []string{"demo.hello", "Say hello", "PARAMETER", "name", "greeting", "Hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
	assertExists(t, testLayout(t, h).HostPackDir("demo"))

	if _, _, err := h.run("info", "--action", "demo"); err == nil {
		t.Error("expected error for malformed action reference")
	}
}

func TestClean(t *testing.T) {
	h := newHarness(t)
	h.mustRun("install", "adapter")
	h.mustRun("docker", "start")

	_, stderr, err := h.run("clean")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if !strings.Contains(stderr, "still running") {
		t.Errorf("running container not reported: %q", stderr)
	}
	assertNotExists(t, h.workspaceDir())
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)
	h.writeProjectFile("packwire.cue", "provision: concurrency: 3\n")

	out := h.mustRun("config", "show")
	if !strings.Contains(out, "packwire.cue") || !strings.Contains(out, `"concurrency": 3`) {
		t.Errorf("show output = %q", out)
	}

	out = h.mustRun("config", "dump")
	if !strings.Contains(out, "concurrency: 3") {
		t.Errorf("dump output = %q", out)
	}

	out = h.mustRun("config", "schema")
	if !strings.Contains(out, `"container_engine"`) {
		t.Errorf("schema output = %q", out)
	}
}

func TestExitCodeOf(t *testing.T) {
	t.Parallel()

	cmdErr := &container.CommandError{Args: []string{"exec"}, ExitCode: 3}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"exit error", &ExitError{Code: 4}, 4},
		{"wrapped command error", issue.NewErrorContext().WithOperation("x").Wrap(cmdErr).BuildError(), 3},
		{"exit error wins", &ExitError{Code: 5, Err: cmdErr}, 5},
		{"zero exit error falls through", &ExitError{Err: errors.New("x")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := exitCodeOf(tt.err); got != tt.want {
				t.Errorf("exitCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	if opts := engineOptions(cfg); len(opts) != 0 {
		t.Errorf("default config produced %d engine options", len(opts))
	}

	cfg.RunArgs = []string{"--network=host"}
	engine := container.NewDockerEngine(engineOptions(cfg)...)
	args := engine.RunArgs(container.RunOptions{Image: "img", Remove: true})
	if want := []string{"run", "--network=host", "--rm", "img"}; !slices.Equal(args, want) {
		t.Errorf("RunArgs() = %v, want %v", args, want)
	}
}
