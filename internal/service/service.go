// SPDX-License-Identifier: MPL-2.0

package service

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/invowk/packwire/internal/packs"
)

// DefaultDescriptor is the descriptor file name looked up in the project directory.
const DefaultDescriptor = "serverless.yml"

var (
	// ErrMutuallyExclusive is returned when a function sets both st2_function and handler.
	ErrMutuallyExclusive = errors.New("properties st2_function and handler are mutually exclusive")
	// ErrFunctionNotFound is returned for unknown function names.
	ErrFunctionNotFound = errors.New("function not found")
)

type (
	// Service is the deployment descriptor. Keys packwire does not use are
	// kept in Extra so the descriptor round-trips.
	Service struct {
		Service   string               `yaml:"service,omitempty"`
		Custom    Custom               `yaml:"custom,omitempty"`
		Package   Package              `yaml:"package,omitempty"`
		Functions map[string]*Function `yaml:"functions,omitempty"`
		Extra     map[string]any       `yaml:",inline"`
	}

	// Custom holds the custom section; only the stackstorm key is typed.
	Custom struct {
		StackStorm Settings       `yaml:"stackstorm,omitempty"`
		Extra      map[string]any `yaml:",inline"`
	}

	// Settings are the descriptor's overrides of packwire configuration.
	Settings struct {
		Image        string `yaml:"image,omitempty"`
		RuntimeImage string `yaml:"runtimeImage,omitempty"`
		Index        string `yaml:"index,omitempty"`
	}

	// Package holds the packaging section.
	Package struct {
		Exclude []string       `yaml:"exclude,omitempty"`
		Extra   map[string]any `yaml:",inline"`
	}

	// Function is one function definition.
	Function struct {
		Handler       string            `yaml:"handler,omitempty"`
		St2Function   string            `yaml:"st2_function,omitempty"`
		St2Config     map[string]any    `yaml:"st2_config,omitempty"`
		St2Parameters map[string]any    `yaml:"st2_parameters,omitempty"`
		St2Output     map[string]any    `yaml:"st2_output,omitempty"`
		Environment   map[string]string `yaml:"environment,omitempty"`
		Extra         map[string]any    `yaml:",inline"`
	}
)

// Load reads and validates the descriptor at path.
func Load(fsys afero.Fs, path string) (*Service, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	svc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return svc, nil
}

// Parse decodes and validates descriptor content.
func Parse(data []byte) (*Service, error) {
	var svc Service
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if svc.Functions == nil {
		svc.Functions = map[string]*Function{}
	}
	for name, fn := range svc.Functions {
		if fn == nil {
			svc.Functions[name] = &Function{}
		}
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return &svc, nil
}

// Validate checks every function definition.
func (s *Service) Validate() error {
	var errs []error
	for _, name := range s.FunctionNames() {
		if err := s.Functions[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the st2_function/handler exclusivity and the action reference.
func (f *Function) Validate() error {
	if f.St2Function == "" {
		return nil
	}
	if f.Handler != "" {
		return ErrMutuallyExclusive
	}
	_, err := packs.ParseActionRef(f.St2Function)
	return err
}

// IsStackStorm reports whether the function runs a StackStorm action.
func (f *Function) IsStackStorm() bool {
	return f.St2Function != ""
}

// ActionRef returns the parsed st2_function.
func (f *Function) ActionRef() (packs.ActionRef, error) {
	return packs.ParseActionRef(f.St2Function)
}

// FunctionNames returns all function names sorted.
func (s *Service) FunctionNames() []string {
	return slices.Sorted(maps.Keys(s.Functions))
}

// Function returns the named function.
func (s *Service) Function(name string) (*Function, error) {
	fn, ok := s.Functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return fn, nil
}

// ActionRefs returns the distinct actions referenced by st2_function, sorted.
func (s *Service) ActionRefs() []packs.ActionRef {
	seen := map[packs.ActionRef]bool{}
	var refs []packs.ActionRef
	for _, name := range s.FunctionNames() {
		ref, err := s.Functions[name].ActionRef()
		if err != nil || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b packs.ActionRef) int {
		if a.Pack != b.Pack {
			return cmp.Compare(a.Pack, b.Pack)
		}
		return cmp.Compare(a.Action, b.Action)
	})
	return refs
}

// PackNames returns the distinct packs referenced by st2_function, sorted.
func (s *Service) PackNames() []string {
	var names []string
	for _, ref := range s.ActionRefs() {
		names = append(names, ref.Pack)
	}
	return slices.Compact(names)
}

// Encode renders the descriptor as YAML.
func (s *Service) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}
