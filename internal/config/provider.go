// SPDX-License-Identifier: MPL-2.0

package config

import "context"

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set.
	ConfigFilePath string
	// ConfigDirPath overrides the user config directory lookup when set.
	ConfigDirPath string
	// ProjectDir is searched for packwire.cue.
	ProjectDir string
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, error)
	// Sources returns the files merged by the last successful Load.
	Sources() []string
}

type fileProvider struct {
	sources []string
}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested sources.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, sources, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.sources = sources
	return cfg, nil
}

func (p *fileProvider) Sources() []string {
	return append([]string(nil), p.sources...)
}
