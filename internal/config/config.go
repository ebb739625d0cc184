// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "packwire"
	// ConfigFileName is the name of the user config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// ProjectFileName is the per-project config file, next to the descriptor.
	ProjectFileName = "packwire.cue"
	// EnvPrefix prefixes environment overrides, e.g. PACKWIRE_PROVISION_CONCURRENCY.
	EnvPrefix = "PACKWIRE"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the packwire configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// newViper returns a Viper instance carrying the defaults and env binding.
func newViper() *viper.Viper {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("container_engine", defaults.ContainerEngine)
	v.SetDefault("container_host", defaults.ContainerHost)
	v.SetDefault("run_args", defaults.RunArgs)
	v.SetDefault("build_image", defaults.BuildImage)
	v.SetDefault("runtime_image", defaults.RuntimeImage)
	v.SetDefault("index_url", defaults.IndexURL)
	v.SetDefault("workspace_dir", defaults.WorkspaceDir)
	v.SetDefault("python_version", defaults.PythonVersion)
	v.SetDefault("metrics_file", defaults.MetricsFile)
	v.SetDefault("provision.concurrency", defaults.Provision.Concurrency)
	v.SetDefault("provision.continue_on_error", defaults.Provision.ContinueOnError)
	v.SetDefault("provision.timeout", defaults.Provision.Timeout)
	v.SetDefault("provision.shared_packages", defaults.Provision.SharedPackages)
	v.SetDefault("provision.readiness_attempts", defaults.Provision.ReadinessAttempts)
	v.SetDefault("ui.verbose", defaults.UI.Verbose)
	v.SetDefault("ui.color_scheme", defaults.UI.ColorScheme)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// loadWithOptions performs option-driven config loading. It returns the
// config and the files that were merged, in merge order.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, []string, error) {
	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := newViper()

	sources, err := configSources(opts)
	if err != nil {
		return nil, nil, err
	}
	for _, path := range sources {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, nil, issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Run 'packwire config schema' to see every option").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("validate configuration").
			WithSuggestion("Check PACKWIRE_* environment variables for typos").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}

	return &cfg, sources, nil
}

// configSources lists the config files to merge. An explicit file is used
// exclusively; otherwise the user file and then the project file are merged
// when they exist.
func configSources(opts LoadOptions) ([]string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'packwire config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return []string{opts.ConfigFilePath}, nil
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		cfgDir = dir
	}

	var sources []string
	if userPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt); fileExists(userPath) {
		sources = append(sources, userPath)
	}
	if opts.ProjectDir != "" {
		if projectPath := filepath.Join(opts.ProjectDir, ProjectFileName); fileExists(projectPath) {
			sources = append(sources, projectPath)
		}
	}
	return sources, nil
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Config decodes to map[string]any with Concrete(false) because every field
// is optional and later files only override what they set.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// GenerateCUE generates a CUE representation of the configuration.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// packwire configuration\n\n")

	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)
	if cfg.ContainerHost != "" {
		fmt.Fprintf(&sb, "container_host: %q\n", cfg.ContainerHost)
	}
	if len(cfg.RunArgs) > 0 {
		sb.WriteString("run_args: [")
		for i, arg := range cfg.RunArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%q", arg)
		}
		sb.WriteString("]\n")
	}
	fmt.Fprintf(&sb, "build_image: %q\n", cfg.BuildImage)
	fmt.Fprintf(&sb, "runtime_image: %q\n", cfg.RuntimeImage)
	fmt.Fprintf(&sb, "index_url: %q\n", cfg.IndexURL)
	fmt.Fprintf(&sb, "workspace_dir: %q\n", cfg.WorkspaceDir)
	fmt.Fprintf(&sb, "python_version: %q\n", cfg.PythonVersion)
	if cfg.MetricsFile != "" {
		fmt.Fprintf(&sb, "metrics_file: %q\n", cfg.MetricsFile)
	}

	sb.WriteString("\nprovision: {\n")
	fmt.Fprintf(&sb, "\tconcurrency: %d\n", cfg.Provision.Concurrency)
	fmt.Fprintf(&sb, "\tcontinue_on_error: %v\n", cfg.Provision.ContinueOnError)
	if cfg.Provision.Timeout != "" {
		fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Provision.Timeout)
	}
	sb.WriteString("\tshared_packages: [\n")
	for _, pkg := range cfg.Provision.SharedPackages {
		fmt.Fprintf(&sb, "\t\t%q,\n", pkg)
	}
	sb.WriteString("\t]\n")
	fmt.Fprintf(&sb, "\treadiness_attempts: %d\n", cfg.Provision.ReadinessAttempts)
	sb.WriteString("}\n")

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	return sb.String()
}
