// SPDX-License-Identifier: MPL-2.0

package packs

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/invowk/packwire/internal/workspace"
)

const configSchemaFile = "config.schema.yaml"

var (
	// ErrInvalidActionRef is returned for references not of the form pack.action.
	ErrInvalidActionRef = errors.New("action reference must be of the form <pack>.<action>")
	// ErrActionNotFound is returned when the action metadata file does not exist.
	ErrActionNotFound = errors.New("action not found")
	// ErrEmptyConfigSchema is returned for a config schema file with no attributes.
	ErrEmptyConfigSchema = errors.New("config schema is empty")
)

type (
	// ActionRef identifies an action as pack.action.
	ActionRef struct {
		Pack   string
		Action string
	}

	// Parameter is one action parameter or config attribute.
	Parameter struct {
		Type        string `yaml:"type"`
		Description string `yaml:"description,omitempty"`
		Required    bool   `yaml:"required,omitempty"`
		Default     any    `yaml:"default,omitempty"`
		Enum        []any  `yaml:"enum,omitempty"`
		Secret      bool   `yaml:"secret,omitempty"`
		Immutable   bool   `yaml:"immutable,omitempty"`
		Position    *int   `yaml:"position,omitempty"`
	}

	// Action is the metadata of packs/<pack>/actions/<action>.yaml.
	Action struct {
		Name        string               `yaml:"name"`
		Pack        string               `yaml:"pack,omitempty"`
		Description string               `yaml:"description"`
		RunnerType  string               `yaml:"runner_type"`
		EntryPoint  string               `yaml:"entry_point"`
		Enabled     *bool                `yaml:"enabled,omitempty"`
		Parameters  map[string]Parameter `yaml:"parameters"`
	}

	// ConfigSchema maps config attribute names to their definitions.
	ConfigSchema map[string]Parameter
)

// ParseActionRef splits "pack.action".
func ParseActionRef(ref string) (ActionRef, error) {
	pack, action, ok := strings.Cut(ref, ".")
	if !ok || pack == "" || action == "" || strings.ContainsAny(ref, `/\`) {
		return ActionRef{}, fmt.Errorf("%w: %q", ErrInvalidActionRef, ref)
	}
	return ActionRef{Pack: pack, Action: action}, nil
}

func (r ActionRef) String() string {
	return r.Pack + "." + r.Action
}

// ReadAction loads the metadata of ref from the workspace.
func ReadAction(layout *workspace.Layout, ref ActionRef) (*Action, error) {
	path := filepath.Join(layout.HostPackDir(ref.Pack), "actions", ref.Action+".yaml")
	data, err := afero.ReadFile(layout.Fs(), path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrActionNotFound, ref, path)
		}
		return nil, fmt.Errorf("read action %s: %w", ref, err)
	}

	var action Action
	if err := yaml.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("parse action %s: %w", path, err)
	}
	if action.Name == "" {
		action.Name = ref.Action
	}
	if action.Pack == "" {
		action.Pack = ref.Pack
	}
	return &action, nil
}

// ReadConfigSchema loads config.schema.yaml of pack. A pack without a
// schema returns nil and no error.
func ReadConfigSchema(layout *workspace.Layout, pack string) (ConfigSchema, error) {
	path := filepath.Join(layout.HostPackDir(pack), configSchemaFile)
	data, err := afero.ReadFile(layout.Fs(), path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config schema of %s: %w", pack, err)
	}

	var schema ConfigSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse config schema %s: %w", path, err)
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyConfigSchema, path)
	}
	return schema, nil
}

// ParameterNames returns the parameter names ordered by position, then name.
func (a *Action) ParameterNames() []string {
	names := slices.Sorted(maps.Keys(a.Parameters))
	slices.SortStableFunc(names, func(x, y string) int {
		px, py := a.Parameters[x].Position, a.Parameters[y].Position
		switch {
		case px != nil && py != nil:
			return *px - *py
		case px != nil:
			return -1
		case py != nil:
			return 1
		}
		return 0
	})
	return names
}

// ParameterSchema returns a JSON schema object describing the parameters an
// event may carry. Immutable parameters are excluded since callers cannot
// override them.
func (a *Action) ParameterSchema() map[string]any {
	return objectSchema(a.Parameters, true)
}

// Schema returns a JSON schema object for pack config values.
func (s ConfigSchema) Schema() map[string]any {
	return objectSchema(s, false)
}

func objectSchema(params map[string]Parameter, skipImmutable bool) map[string]any {
	properties := map[string]any{}
	var required []string
	for _, name := range slices.Sorted(maps.Keys(params)) {
		p := params[name]
		if skipImmutable && p.Immutable {
			continue
		}
		properties[name] = p.jsonSchema()
		if p.Required && p.Default == nil {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (p Parameter) jsonSchema() map[string]any {
	s := map[string]any{}
	if p.Type != "" {
		s["type"] = p.Type
	}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	return s
}
