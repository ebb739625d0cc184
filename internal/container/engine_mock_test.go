// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type (
	// MockCommandRecorder captures engine invocations and answers them with
	// scripted responses through the TestHelperProcess pattern.
	MockCommandRecorder struct {
		mu sync.Mutex
		// Invocations records each call to the mock exec command.
		Invocations []MockInvocation
		// Default answers invocations that match no rule.
		Default MockResponse
		rules   []mockRule
	}

	// MockInvocation represents a single invocation of the engine binary.
	MockInvocation struct {
		Name string
		Args []string
	}

	// MockResponse is what the helper process prints and how it exits.
	MockResponse struct {
		Stdout    string
		Stderr    string
		ExitCode  int
		Sleep     time.Duration
		EchoStdin bool
	}

	mockRule struct {
		prefix string
		resp   MockResponse
		once   bool
		used   bool
	}
)

// NewMockCommandRecorder creates a recorder that succeeds silently by default.
func NewMockCommandRecorder() *MockCommandRecorder {
	return &MockCommandRecorder{}
}

// On answers every invocation whose joined args start with prefix.
// Rules are checked in registration order.
func (m *MockCommandRecorder) On(prefix string, resp MockResponse) *MockCommandRecorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{prefix: prefix, resp: resp})
	return m
}

// Once answers the first matching invocation only.
func (m *MockCommandRecorder) Once(prefix string, resp MockResponse) *MockCommandRecorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{prefix: prefix, resp: resp, once: true})
	return m
}

func (m *MockCommandRecorder) respond(args []string) MockResponse {
	joined := strings.Join(args, " ")
	for i := range m.rules {
		r := &m.rules[i]
		if r.once && r.used {
			continue
		}
		if strings.HasPrefix(joined, r.prefix) {
			r.used = true
			return r.resp
		}
	}
	return m.Default
}

// ContextCommandFunc returns an ExecCommandFunc that records invocations and
// runs TestHelperProcess instead of the engine binary.
func (m *MockCommandRecorder) ContextCommandFunc(t *testing.T) ExecCommandFunc {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.Invocations = append(m.Invocations, MockInvocation{Name: name, Args: slices.Clone(args)})
		resp := m.respond(args)
		m.mu.Unlock()

		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		//nolint:gosec // TestHelperProcess is a test-only pattern
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", resp.ExitCode),
			"GO_HELPER_STDOUT=" + resp.Stdout,
			"GO_HELPER_STDERR=" + resp.Stderr,
			"GO_HELPER_SLEEP=" + resp.Sleep.String(),
		}
		if resp.EchoStdin {
			cmd.Env = append(cmd.Env, "GO_HELPER_ECHO_STDIN=1")
		}
		return cmd
	}
}

// Engine returns a docker engine whose commands are served by the recorder.
func (m *MockCommandRecorder) Engine(t *testing.T) *DockerEngine {
	t.Helper()
	return NewDockerEngine(WithBinaryPath("docker"), WithExecCommand(m.ContextCommandFunc(t)))
}

// Calls returns a snapshot of the recorded invocations.
func (m *MockCommandRecorder) Calls() []MockInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Invocations)
}

// CallsWithPrefix counts invocations whose joined args start with prefix.
func (m *MockCommandRecorder) CallsWithPrefix(prefix string) int {
	n := 0
	for _, inv := range m.Calls() {
		if strings.HasPrefix(strings.Join(inv.Args, " "), prefix) {
			n++
		}
	}
	return n
}

// LastArgs returns the arguments from the most recent invocation.
func (m *MockCommandRecorder) LastArgs() []string {
	calls := m.Calls()
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1].Args
}

// AssertInvocationCount verifies the number of command invocations.
func (m *MockCommandRecorder) AssertInvocationCount(t *testing.T, expected int) {
	t.Helper()
	if got := len(m.Calls()); got != expected {
		t.Errorf("expected %d invocations, got %d: %v", expected, got, m.Calls())
	}
}

// AssertArgsContainAll verifies that the last invocation args contain all expected strings.
func (m *MockCommandRecorder) AssertArgsContainAll(t *testing.T, expected ...string) {
	t.Helper()
	argsStr := strings.Join(m.LastArgs(), " ")
	for _, exp := range expected {
		if !strings.Contains(argsStr, exp) {
			t.Errorf("expected args to contain %q, got: %s", exp, argsStr)
		}
	}
}

// TestHelperProcess is invoked by the mock in place of the engine binary.
// It reads its behavior from environment variables.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if os.Getenv("GO_HELPER_ECHO_STDIN") == "1" {
		_, _ = io.Copy(os.Stdout, os.Stdin)
	}
	if stdout := os.Getenv("GO_HELPER_STDOUT"); stdout != "" {
		fmt.Fprint(os.Stdout, stdout)
	}
	if stderr := os.Getenv("GO_HELPER_STDERR"); stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}
	if d, err := time.ParseDuration(os.Getenv("GO_HELPER_SLEEP")); err == nil && d > 0 {
		time.Sleep(d)
	}

	exitCode := 0
	if code := os.Getenv("GO_HELPER_EXIT_CODE"); code != "" {
		_, _ = fmt.Sscanf(code, "%d", &exitCode)
	}

	os.Exit(exitCode)
}

func TestMockCommandRecorder_Rules(t *testing.T) {
	recorder := NewMockCommandRecorder().
		Once("pull", MockResponse{ExitCode: 1}).
		On("pull", MockResponse{Stdout: "pulled"})

	runner := NewProcessRunner(recorder.Engine(t))
	first, err := runner.Run(context.Background(), []string{"pull", "img"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	second, err := runner.Run(context.Background(), []string{"pull", "img"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if first.ExitCode != 1 {
		t.Errorf("first ExitCode = %d, want 1", first.ExitCode)
	}
	if second.ExitCode != 0 || second.Stdout != "pulled" {
		t.Errorf("second = %+v, want exit 0 with stdout", second)
	}
	recorder.AssertInvocationCount(t, 2)
}

func TestDockerEngine_ImageExistsAndVersion(t *testing.T) {
	recorder := NewMockCommandRecorder().
		On("image inspect missing", MockResponse{ExitCode: 1, Stderr: "No such image"}).
		On("version", MockResponse{Stdout: "24.0.7\n"})
	engine := recorder.Engine(t)

	ok, err := engine.ImageExists(context.Background(), "lambci/lambda:python2.7")
	if err != nil || !ok {
		t.Errorf("ImageExists(present) = %v, %v", ok, err)
	}
	ok, err = engine.ImageExists(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("ImageExists(missing) = %v, %v", ok, err)
	}
	version, err := engine.Version(context.Background())
	if err != nil || version != "24.0.7" {
		t.Errorf("Version() = %q, %v", version, err)
	}
}
