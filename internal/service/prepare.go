// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/invowk/packwire/internal/packs"
	"github.com/invowk/packwire/internal/workspace"
)

// Environment variables read by the adapter handler.
const (
	EnvAction     = "ST2_ACTION"
	EnvConfig     = "ST2_CONFIG"
	EnvParameters = "ST2_PARAMETERS"
	EnvOutput     = "ST2_OUTPUT"
	EnvPythonPath = "PYTHONPATH"
)

type (
	// PackInstaller checks out a pack into the workspace.
	PackInstaller interface {
		InstallPack(ctx context.Context, name string) (*packs.FetchResult, error)
	}

	// Prepared summarises what Prepare changed.
	Prepared struct {
		// Functions are the rewritten StackStorm functions, sorted.
		Functions []string
		// Packs are the packs those functions use, sorted.
		Packs []string
	}

	// PreparerOption configures a Preparer.
	PreparerOption func(*Preparer)

	// Preparer rewrites StackStorm functions of a descriptor.
	Preparer struct {
		layout    *workspace.Layout
		installer PackInstaller
		logger    *log.Logger
	}
)

// NeedsAdapter reports whether any function uses the adapter handler.
func (p *Prepared) NeedsAdapter() bool {
	return len(p.Functions) > 0
}

// WithPreparerLogger sets the preparer logger.
func WithPreparerLogger(logger *log.Logger) PreparerOption {
	return func(p *Preparer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPreparer creates a preparer. installer may be nil when packs are
// already present in the workspace.
func NewPreparer(layout *workspace.Layout, installer PackInstaller, opts ...PreparerOption) *Preparer {
	p := &Preparer{
		layout:    layout,
		installer: installer,
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare fetches every referenced pack, checks that each action exists and
// that st2_config matches the pack's config schema, then points each
// StackStorm function at the adapter handler and fills its environment.
// The package excludes gain a pattern dropping pack .git directories.
func (p *Preparer) Prepare(ctx context.Context, svc *Service) (*Prepared, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}

	out := &Prepared{}
	fetched := map[string]bool{}

	for _, name := range svc.FunctionNames() {
		fn := svc.Functions[name]
		if !fn.IsStackStorm() {
			continue
		}
		ref, err := fn.ActionRef()
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}

		if !fetched[ref.Pack] {
			if p.installer != nil {
				if _, err := p.installer.InstallPack(ctx, ref.Pack); err != nil {
					return nil, fmt.Errorf("function %s: %w", name, err)
				}
			}
			fetched[ref.Pack] = true
			out.Packs = append(out.Packs, ref.Pack)
		}

		if _, err := packs.ReadAction(p.layout, ref); err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}
		if err := p.checkConfig(ref.Pack, fn.St2Config); err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}

		if err := p.rewrite(fn, ref); err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}
		p.logger.Debug("prepared function", "function", name, "action", ref)
		out.Functions = append(out.Functions, name)
	}

	slices.Sort(out.Packs)
	svc.Package.Exclude = appendUnique(svc.Package.Exclude, p.layout.ExcludeGitPattern())
	return out, nil
}

func (p *Preparer) rewrite(fn *Function, ref packs.ActionRef) error {
	fn.Handler = p.layout.HandlerRef()
	if fn.Environment == nil {
		fn.Environment = map[string]string{}
	}
	fn.Environment[EnvAction] = ref.String()

	for key, value := range map[string]map[string]any{
		EnvConfig:     fn.St2Config,
		EnvParameters: fn.St2Parameters,
		EnvOutput:     fn.St2Output,
	} {
		if value == nil {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		fn.Environment[key] = string(encoded)
	}

	fn.Environment[EnvPythonPath] = p.layout.PythonPath(ref.Pack)
	return nil
}

func (p *Preparer) checkConfig(pack string, values map[string]any) error {
	if values == nil {
		return nil
	}
	schema, err := packs.ReadConfigSchema(p.layout, pack)
	if err != nil || schema == nil {
		return err
	}
	return packs.Validate("st2_config of "+pack, schema.Schema(), values)
}

func appendUnique(list []string, item string) []string {
	if slices.Contains(list, item) {
		return list
	}
	return append(list, item)
}
