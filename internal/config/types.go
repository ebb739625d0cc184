// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/invoke"
	"github.com/invowk/packwire/internal/provision"
	"github.com/invowk/packwire/internal/workspace"
)

const (
	// ContainerEnginePodman uses Podman as the container runtime.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker as the container runtime.
	ContainerEngineDocker ContainerEngine = "docker"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"

	// DefaultBuildImage carries the compilers needed to build pack dependencies.
	DefaultBuildImage = "lambci/lambda:build-python2.7"
	// DefaultReadinessAttempts bounds how often a started container is inspected.
	DefaultReadinessAttempts = 5
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidImage is returned for a blank image reference.
	ErrInvalidImage = errors.New("invalid image reference")
	// ErrInvalidIndexURL is returned when index_url is not an absolute http(s) URL.
	ErrInvalidIndexURL = errors.New("invalid index url")
	// ErrInvalidWorkspaceDir is returned for a blank workspace_dir.
	ErrInvalidWorkspaceDir = errors.New("invalid workspace dir")
	// ErrInvalidProvisionConfig is the sentinel error wrapped by InvalidProvisionConfigError.
	ErrInvalidProvisionConfig = errors.New("invalid provision config")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine specifies which container runtime to use.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// InvalidColorSchemeError is returned when a ColorScheme value is not recognized.
	InvalidColorSchemeError struct {
		Value ColorScheme
	}

	// InvalidProvisionConfigError collects field errors of a ProvisionConfig.
	InvalidProvisionConfigError struct {
		FieldErrors []error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig and collects field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine specifies whether to use "docker" or "podman".
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine" jsonschema:"enum=docker,enum=podman,default=docker"`
		// ContainerHost points the engine at a remote daemon (DOCKER_HOST or CONTAINER_HOST).
		ContainerHost string `json:"container_host,omitempty" mapstructure:"container_host"`
		// RunArgs are extra engine flags for every container start, e.g. "--network=host".
		RunArgs []string `json:"run_args,omitempty" mapstructure:"run_args"`
		// BuildImage is the image of the long-lived build container.
		BuildImage string `json:"build_image" mapstructure:"build_image" jsonschema:"default=lambci/lambda:build-python2.7"`
		// RuntimeImage is the image used for local function invocation.
		RuntimeImage string `json:"runtime_image" mapstructure:"runtime_image" jsonschema:"default=lambci/lambda:python2.7"`
		// IndexURL locates the pack index.
		IndexURL string `json:"index_url" mapstructure:"index_url" jsonschema:"format=uri"`
		// WorkspaceDir is the host workspace directory, relative to the project.
		WorkspaceDir string `json:"workspace_dir" mapstructure:"workspace_dir" jsonschema:"default=~st2"`
		// PythonVersion names the site-packages directory inside prefixes.
		PythonVersion string `json:"python_version" mapstructure:"python_version" jsonschema:"default=python2.7"`
		// MetricsFile, when set, receives provisioning metrics in Prometheus text format.
		MetricsFile string `json:"metrics_file,omitempty" mapstructure:"metrics_file"`
		// Provision configures dependency provisioning.
		Provision ProvisionConfig `json:"provision" mapstructure:"provision"`
		// UI configures the user interface.
		UI UIConfig `json:"ui" mapstructure:"ui"`
	}

	// ProvisionConfig configures dependency provisioning.
	ProvisionConfig struct {
		Concurrency     int  `json:"concurrency" mapstructure:"concurrency" jsonschema:"minimum=1,maximum=64,default=4"`
		ContinueOnError bool `json:"continue_on_error" mapstructure:"continue_on_error"`
		// Timeout bounds each install step, as a Go duration. Empty means no bound.
		Timeout           string   `json:"timeout,omitempty" mapstructure:"timeout"`
		SharedPackages    []string `json:"shared_packages" mapstructure:"shared_packages"`
		ReadinessAttempts int      `json:"readiness_attempts" mapstructure:"readiness_attempts" jsonschema:"minimum=1,maximum=60,default=5"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		Verbose     bool        `json:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme" jsonschema:"enum=auto,enum=dark,enum=light,default=auto"`
	}

	// Overrides are per-project settings taken from the deployment descriptor.
	Overrides struct {
		BuildImage   string
		RuntimeImage string
		IndexURL     string
	}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		BuildImage:      DefaultBuildImage,
		RuntimeImage:    invoke.DefaultRuntimeImage,
		IndexURL:        index.DefaultURL,
		WorkspaceDir:    workspace.DefaultDirName,
		PythonVersion:   workspace.DefaultPythonVersion,
		Provision: ProvisionConfig{
			Concurrency:       provision.DefaultConcurrency,
			SharedPackages:    provision.DefaultSharedPackages(),
			ReadinessAttempts: DefaultReadinessAttempts,
		},
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
		},
	}
}

// WithOverrides returns a copy of c with the non-empty overrides applied.
func (c Config) WithOverrides(o Overrides) *Config {
	out := c
	out.Provision.SharedPackages = append([]string(nil), c.Provision.SharedPackages...)
	out.RunArgs = slices.Clone(c.RunArgs)
	if o.BuildImage != "" {
		out.BuildImage = o.BuildImage
	}
	if o.RuntimeImage != "" {
		out.RuntimeImage = o.RuntimeImage
	}
	if o.IndexURL != "" {
		out.IndexURL = o.IndexURL
	}
	return &out
}

// ProvisionSettings converts the provision block into provisioner settings.
func (c Config) ProvisionSettings() (provision.Config, error) {
	timeout, err := c.Provision.TimeoutDuration()
	if err != nil {
		return provision.Config{}, err
	}
	cfg := provision.DefaultConfig()
	cfg.Apply(
		provision.WithConcurrency(c.Provision.Concurrency),
		provision.WithContinueOnError(c.Provision.ContinueOnError),
		provision.WithTimeout(timeout),
		provision.WithSharedPackages(c.Provision.SharedPackages...),
	)
	return cfg, cfg.Validate()
}

// TimeoutDuration parses Timeout. An empty value yields zero.
func (c ProvisionConfig) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(c.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("provision.timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("provision.timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}

// IsValid returns whether the ProvisionConfig is valid, with all field errors.
func (c ProvisionConfig) IsValid() (bool, []error) {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("provision.concurrency %d: must be at least 1", c.Concurrency))
	}
	if c.ReadinessAttempts < 1 {
		errs = append(errs, fmt.Errorf("provision.readiness_attempts %d: must be at least 1", c.ReadinessAttempts))
	}
	if _, err := c.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if len(c.SharedPackages) == 0 {
		errs = append(errs, errors.New("provision.shared_packages: at least one package is required"))
	}
	for i, pkg := range c.SharedPackages {
		if strings.TrimSpace(pkg) == "" {
			errs = append(errs, fmt.Errorf("provision.shared_packages[%d]: must not be blank", i))
		}
	}
	if len(errs) > 0 {
		return false, []error{&InvalidProvisionConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// IsValid returns whether the Config is valid, with all field errors.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if ok, fieldErrs := c.ContainerEngine.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if ok, fieldErrs := c.UI.ColorScheme.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if strings.TrimSpace(c.BuildImage) == "" {
		errs = append(errs, fmt.Errorf("build_image: %w", ErrInvalidImage))
	}
	if strings.TrimSpace(c.RuntimeImage) == "" {
		errs = append(errs, fmt.Errorf("runtime_image: %w", ErrInvalidImage))
	}
	if u, err := url.Parse(c.IndexURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("index_url %q: %w", c.IndexURL, ErrInvalidIndexURL))
	}
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		errs = append(errs, ErrInvalidWorkspaceDir)
	}
	if ok, fieldErrs := c.Provision.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Validate returns the first validation failure as a single error.
func (c Config) Validate() error {
	if ok, errs := c.IsValid(); !ok {
		return errs[0]
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: docker, podman)", e.Value)
}

// Unwrap returns ErrInvalidContainerEngine for errors.Is() compatibility.
func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

func (ce ContainerEngine) String() string { return string(ce) }

// IsValid returns whether the ContainerEngine is one of the defined engines.
func (ce ContainerEngine) IsValid() (bool, []error) {
	switch ce {
	case ContainerEngineDocker, ContainerEnginePodman:
		return true, nil
	default:
		return false, []error{&InvalidContainerEngineError{Value: ce}}
	}
}

// Error implements the error interface.
func (e *InvalidColorSchemeError) Error() string {
	return fmt.Sprintf("invalid color scheme %q (valid: auto, dark, light)", e.Value)
}

// Unwrap returns ErrInvalidColorScheme for errors.Is() compatibility.
func (e *InvalidColorSchemeError) Unwrap() error { return ErrInvalidColorScheme }

func (cs ColorScheme) String() string { return string(cs) }

// IsValid returns whether the ColorScheme is one of the defined schemes.
func (cs ColorScheme) IsValid() (bool, []error) {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return true, nil
	default:
		return false, []error{&InvalidColorSchemeError{Value: cs}}
	}
}

// Error implements the error interface.
func (e *InvalidProvisionConfigError) Error() string {
	return fmt.Sprintf("invalid provision config: %v", errors.Join(e.FieldErrors...))
}

// Unwrap returns the sentinel and every field error.
func (e *InvalidProvisionConfigError) Unwrap() []error {
	return append([]error{ErrInvalidProvisionConfig}, e.FieldErrors...)
}

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %d field error(s): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns the sentinel and every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}
