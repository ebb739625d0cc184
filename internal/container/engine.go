// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrInvalidContainerID is the sentinel error wrapped by InvalidContainerIDError.
	ErrInvalidContainerID = errors.New("invalid container id")

	// ErrInvalidImageRef is the sentinel error wrapped by InvalidImageRefError.
	ErrInvalidImageRef = errors.New("invalid image reference")

	// ErrEngineUnavailable is the sentinel error wrapped by EngineNotAvailableError.
	ErrEngineUnavailable = errors.New("container engine not available")
)

type (
	// Engine builds docker/podman command lines. Execution is left to
	// ProcessRunner so every engine call streams and buffers the same way.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine binary is installed and answering.
		Available() bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)
		// ImageExists reports whether image is present locally.
		ImageExists(ctx context.Context, image ImageRef) (bool, error)

		// CreateCommand creates an exec.Cmd for the engine binary.
		CreateCommand(ctx context.Context, args ...string) *exec.Cmd

		PullArgs(image ImageRef) []string
		RunArgs(opts RunOptions) []string
		ExecArgs(id ContainerID, command []string, opts ExecOptions) []string
		StopArgs(id ContainerID) []string
		RemoveArgs(id ContainerID, force bool) []string
		InspectStateArgs(id ContainerID) []string
	}

	// EngineType identifies the container engine type.
	EngineType string

	// ContainerID is the opaque identifier the engine echoes on start.
	ContainerID string

	// InvalidContainerIDError is returned when a ContainerID is empty or contains whitespace.
	InvalidContainerIDError struct {
		Value ContainerID
	}

	// ImageRef is an image reference such as "lambci/lambda:build-python2.7".
	ImageRef string

	// InvalidImageRefError is returned when an ImageRef is empty or contains whitespace.
	InvalidImageRefError struct {
		Value ImageRef
	}

	// RunOptions contains options for starting a container.
	RunOptions struct {
		Image   ImageRef
		Command []string
		WorkDir string
		Env     map[string]string
		Volumes []VolumeMount
		Labels  map[string]string
		Name    string
		// Remove automatically removes the container after exit.
		Remove bool
		// Detach runs the container in the background and prints its id.
		Detach bool
		// Interactive keeps stdin open.
		Interactive bool
	}

	// ExecOptions contains options for running a command in a running container.
	ExecOptions struct {
		WorkDir     string
		Env         map[string]string
		Interactive bool
	}

	// EngineNotAvailableError is returned when no usable container engine is found.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidContainerIDError) Error() string {
	return fmt.Sprintf("invalid container id %q", e.Value)
}

// Unwrap returns ErrInvalidContainerID for errors.Is() compatibility.
func (e *InvalidContainerIDError) Unwrap() error { return ErrInvalidContainerID }

// Validate returns an error if the id is empty or contains whitespace.
func (id ContainerID) Validate() error {
	if id == "" || strings.ContainsAny(string(id), " \t\r\n") {
		return &InvalidContainerIDError{Value: id}
	}
	return nil
}

// Short returns the 12-character prefix docker prints in listings.
func (id ContainerID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

func (id ContainerID) String() string { return string(id) }

// Error implements the error interface.
func (e *InvalidImageRefError) Error() string {
	return fmt.Sprintf("invalid image reference %q", e.Value)
}

// Unwrap returns ErrInvalidImageRef for errors.Is() compatibility.
func (e *InvalidImageRefError) Unwrap() error { return ErrInvalidImageRef }

// Validate returns an error if the image reference is empty or contains whitespace.
func (i ImageRef) Validate() error {
	if strings.TrimSpace(string(i)) == "" || strings.ContainsAny(string(i), " \t\r\n") {
		return &InvalidImageRefError{Value: i}
	}
	return nil
}

func (i ImageRef) String() string { return string(i) }

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineUnavailable for errors.Is() compatibility.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineUnavailable }

// ParseEngineType converts a configuration value into an EngineType.
func ParseEngineType(s string) (EngineType, error) {
	switch t := EngineType(strings.ToLower(strings.TrimSpace(s))); t {
	case EngineTypeDocker, EngineTypePodman:
		return t, nil
	case "":
		return EngineTypeDocker, nil
	default:
		return "", fmt.Errorf("unknown container engine type: %s", s)
	}
}

// NewEngine creates a container engine based on preference, falling back to
// the other engine when the preferred one is not available.
func NewEngine(preferredType EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	var preferred, fallback Engine
	switch preferredType {
	case EngineTypePodman:
		preferred, fallback = NewPodmanEngine(opts...), NewDockerEngine(opts...)
	case EngineTypeDocker:
		preferred, fallback = NewDockerEngine(opts...), NewPodmanEngine(opts...)
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}

	if preferred.Available() {
		return preferred, nil
	}
	if fallback.Available() {
		return fallback, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: string(preferredType),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available",
			preferred.Name(), fallback.Name()),
	}
}
