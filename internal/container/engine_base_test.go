// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"testing"
)

func TestBaseCLIEngine_RunArgs(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("docker")
	args := engine.RunArgs(RunOptions{
		Image:   "lambci/lambda:build-python2.7",
		Command: []string{"tail", "-f", "/dev/null"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Labels:  map[string]string{SessionLabel: "packwire-build-1"},
		Volumes: []VolumeMount{{HostPath: "/work/~st2", ContainerPath: "/var/task/~st2"}},
		Name:    "packwire-build-1",
		Remove:  true,
		Detach:  true,
	})

	want := []string{
		"run", "-d", "--rm", "--name", "packwire-build-1",
		"--label", SessionLabel + "=packwire-build-1",
		"-e", "A=1", "-e", "B=2",
		"-v", "/work/~st2:/var/task/~st2",
		"lambci/lambda:build-python2.7", "tail", "-f", "/dev/null",
	}
	if !slices.Equal(args, want) {
		t.Errorf("RunArgs() =\n%v\nwant\n%v", args, want)
	}
}

func TestBaseCLIEngine_RunArgsTransformer(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("podman", WithRunArgsTransformer(func(args []string) []string {
		return slices.Insert(args, 1, "--userns=keep-id")
	}))
	args := engine.RunArgs(RunOptions{Image: "img"})
	if !slices.Equal(args, []string{"run", "--userns=keep-id", "img"}) {
		t.Errorf("RunArgs() = %v", args)
	}
}

func TestBaseCLIEngine_ExecStopInspectArgs(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("docker")

	execArgs := engine.ExecArgs("abc", []string{"pip", "install", "x"}, ExecOptions{WorkDir: "/var/task", Env: map[string]string{"K": "v"}})
	if want := []string{"exec", "-w", "/var/task", "-e", "K=v", "abc", "pip", "install", "x"}; !slices.Equal(execArgs, want) {
		t.Errorf("ExecArgs() = %v, want %v", execArgs, want)
	}

	if got := engine.StopArgs("abc"); !slices.Equal(got, []string{"stop", "abc"}) {
		t.Errorf("StopArgs() = %v", got)
	}
	if got := engine.RemoveArgs("abc", true); !slices.Equal(got, []string{"rm", "-f", "abc"}) {
		t.Errorf("RemoveArgs() = %v", got)
	}
	if got := engine.InspectStateArgs("abc"); !slices.Equal(got, []string{"inspect", "--format", "{{.State.Running}}", "abc"}) {
		t.Errorf("InspectStateArgs() = %v", got)
	}
	if got := engine.PullArgs("img:1"); !slices.Equal(got, []string{"pull", "img:1"}) {
		t.Errorf("PullArgs() = %v", got)
	}
}

func TestBaseCLIEngine_CmdEnvOverride(t *testing.T) {
	t.Parallel()

	var captured *exec.Cmd
	engine := NewBaseCLIEngine("docker",
		WithCmdEnvOverride("DOCKER_HOST", "unix:///tmp/docker.sock"),
		WithExecCommand(func(ctx context.Context, name string, arg ...string) *exec.Cmd {
			captured = exec.CommandContext(ctx, name, arg...)
			return captured
		}),
	)

	engine.CreateCommand(context.Background(), "ps")
	if !slices.Contains(captured.Env, "DOCKER_HOST=unix:///tmp/docker.sock") {
		t.Errorf("override not applied: %v", captured.Env)
	}
	if captured.WaitDelay != defaultWaitDelay {
		t.Errorf("WaitDelay = %v, want %v", captured.WaitDelay, defaultWaitDelay)
	}
}

func TestEngineSettings(t *testing.T) {
	t.Parallel()

	capture := func(captured **exec.Cmd) ExecCommandFunc {
		return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
			*captured = exec.CommandContext(ctx, name, arg...)
			return *captured
		}
	}

	var dockerCmd, podmanCmd *exec.Cmd
	docker := NewDockerEngine(WithExecCommand(capture(&dockerCmd)), WithEngineHost("tcp://builder:2376"))
	podman := NewPodmanEngine(WithExecCommand(capture(&podmanCmd)), WithEngineHost("unix:///run/podman.sock"))
	docker.CreateCommand(context.Background(), "ps")
	podman.CreateCommand(context.Background(), "ps")

	if !slices.Contains(dockerCmd.Env, "DOCKER_HOST=tcp://builder:2376") {
		t.Errorf("docker env missing DOCKER_HOST: %v", dockerCmd.Env)
	}
	if !slices.Contains(podmanCmd.Env, "CONTAINER_HOST=unix:///run/podman.sock") {
		t.Errorf("podman env missing CONTAINER_HOST: %v", podmanCmd.Env)
	}

	var plain *exec.Cmd
	NewDockerEngine(WithExecCommand(capture(&plain)), WithEngineHost("")).CreateCommand(context.Background(), "ps")
	if plain.Env != nil {
		t.Errorf("empty host changed the environment: %v", plain.Env)
	}

	args := NewDockerEngine(WithExtraRunArgs("--network=host", "--dns=10.0.0.2")).RunArgs(RunOptions{Image: "img", Remove: true})
	if want := []string{"run", "--network=host", "--dns=10.0.0.2", "--rm", "img"}; !slices.Equal(args, want) {
		t.Errorf("RunArgs() = %v, want %v", args, want)
	}
}

func TestSELinuxVolumeFormatter(t *testing.T) {
	t.Parallel()

	mount := VolumeMount{HostPath: "/h", ContainerPath: "/c"}
	tests := []struct {
		name    string
		enabled bool
		mount   VolumeMount
		want    string
	}{
		{"disabled", false, mount, "/h:/c"},
		{"enabled adds shared label", true, mount, "/h:/c:z"},
		{"enabled keeps explicit label", true, VolumeMount{HostPath: "/h", ContainerPath: "/c", SELinux: SELinuxLabelPrivate}, "/h:/c:Z"},
		{"enabled with read only", true, VolumeMount{HostPath: "/h", ContainerPath: "/c", ReadOnly: true}, "/h:/c:ro,z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			format := selinuxVolumeFormatter(func() bool { return tt.enabled })
			if got := format(tt.mount); got != tt.want {
				t.Errorf("format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVolumeMount_ValidateAndString(t *testing.T) {
	t.Parallel()

	m := VolumeMount{HostPath: "/work/~st2", ContainerPath: "/var/task/~st2", ReadOnly: true, SELinux: SELinuxLabelShared}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if m.String() != "/work/~st2:/var/task/~st2:ro,z" {
		t.Errorf("String() = %q", m.String())
	}

	err := VolumeMount{HostPath: "/work", ContainerPath: "relative"}.Validate()
	if !errors.Is(err, ErrInvalidVolumeMount) {
		t.Errorf("relative target: err = %v, want ErrInvalidVolumeMount", err)
	}
	var vmErr *InvalidVolumeMountError
	if !errors.As(err, &vmErr) || !errors.Is(vmErr.FieldErrs[0], ErrInvalidMountTargetPath) {
		t.Errorf("field errors = %v", err)
	}
}

func TestTypedValueValidation(t *testing.T) {
	t.Parallel()

	if err := ContainerID("").Validate(); !errors.Is(err, ErrInvalidContainerID) {
		t.Errorf("empty id: %v", err)
	}
	if err := ContainerID("abc def").Validate(); !errors.Is(err, ErrInvalidContainerID) {
		t.Errorf("id with space: %v", err)
	}
	if err := ImageRef(" ").Validate(); !errors.Is(err, ErrInvalidImageRef) {
		t.Errorf("blank image: %v", err)
	}
	if err := SELinuxLabel("x").Validate(); !errors.Is(err, ErrInvalidSELinuxLabel) {
		t.Errorf("bad label: %v", err)
	}
	if got := ContainerID(strings.Repeat("a", 64)).Short(); len(got) != 12 {
		t.Errorf("Short() = %q", got)
	}
}

func TestParseEngineType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    EngineType
		wantErr bool
	}{
		{"docker", EngineTypeDocker, false},
		{" Podman ", EngineTypePodman, false},
		{"", EngineTypeDocker, false},
		{"containerd", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEngineType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseEngineType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestEngineNotAvailableError(t *testing.T) {
	t.Parallel()

	err := error(&EngineNotAvailableError{Engine: "docker", Reason: "missing"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Error("EngineNotAvailableError should wrap ErrEngineUnavailable")
	}
	if !strings.Contains(err.Error(), "docker") {
		t.Errorf("Error() = %q", err.Error())
	}
}
