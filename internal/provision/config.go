// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultConcurrency is the number of pack installs run in parallel.
	DefaultConcurrency = 4

	st2commonPackage    = "git+https://github.com/stackstorm/st2.git#egg=st2common&subdirectory=st2common"
	pythonRunnerPackage = "git+https://github.com/StackStorm/st2#egg=python_runner&subdirectory=contrib/runners/python_runner"
)

var (
	// ErrInvalidConcurrency is returned when Concurrency is below one.
	ErrInvalidConcurrency = errors.New("provision concurrency must be at least 1")
	// ErrInvalidTimeout is returned for negative timeouts.
	ErrInvalidTimeout = errors.New("provision timeout must not be negative")
	// ErrNoSharedPackages is returned when no shared packages are configured.
	ErrNoSharedPackages = errors.New("at least one shared package is required")
)

type (
	// Config holds every provisioning option with its default.
	Config struct {
		// Concurrency bounds parallel pack installs.
		Concurrency int
		// ContinueOnError keeps installing remaining packs after a failure and
		// reports all failures together.
		ContinueOnError bool
		// Timeout bounds shared and bulk installs. Zero means no limit.
		Timeout time.Duration
		// SharedPackages are the pip requirement specifiers installed into deps/.
		SharedPackages []string
	}

	// Option is a functional option for configuring a Config.
	Option func(*Config)
)

// DefaultSharedPackages returns the adapter's runtime requirements.
func DefaultSharedPackages() []string {
	return []string{st2commonPackage, pythonRunnerPackage}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		SharedPackages: DefaultSharedPackages(),
	}
}

// WithConcurrency sets the number of parallel pack installs.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithContinueOnError selects the collect-all failure policy.
func WithContinueOnError(v bool) Option {
	return func(c *Config) {
		c.ContinueOnError = v
	}
}

// WithTimeout bounds shared and bulk installs.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithSharedPackages replaces the shared package list.
func WithSharedPackages(pkgs ...string) Option {
	return func(c *Config) {
		c.SharedPackages = pkgs
	}
}

// Apply applies the given options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate reports every invalid option.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w (got %d)", ErrInvalidConcurrency, c.Concurrency))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w (got %s)", ErrInvalidTimeout, c.Timeout))
	}
	if len(c.SharedPackages) == 0 {
		errs = append(errs, ErrNoSharedPackages)
	}
	return errors.Join(errs...)
}
