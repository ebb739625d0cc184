// SPDX-License-Identifier: MPL-2.0

package packs

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/afero"

	"github.com/invowk/packwire/internal/workspace"
)

const getIssueYAML = `---
name: get_issue
runner_type: python-script
description: Retrieve information about a particular Github issue.
enabled: true
entry_point: get_issue.py
parameters:
  user:
    type: string
    description: User / organization name.
    required: true
    position: 1
  repo:
    type: string
    required: true
    position: 0
  id:
    type: integer
    required: true
  state:
    type: string
    enum: [open, closed]
    default: open
  token:
    type: string
    secret: true
    immutable: true
    default: "{{ config_context.token }}"
`

const configSchemaYAML = `---
token:
  description: GitHub API token
  type: string
  secret: true
  required: true
base_url:
  type: string
  default: https://api.github.com
`

func newMetadataLayout(t *testing.T) *workspace.Layout {
	t.Helper()
	l, err := workspace.New("/project/~st2", workspace.WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatal(err)
	}
	write := func(rel, content string) {
		if err := afero.WriteFile(l.Fs(), filepath.Join(l.HostPackDir("github"), rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("actions/get_issue.yaml", getIssueYAML)
	write("config.schema.yaml", configSchemaYAML)
	return l
}

func TestParseActionRef(t *testing.T) {
	t.Parallel()

	ref, err := ParseActionRef("github.get_issue")
	if err != nil || ref.Pack != "github" || ref.Action != "get_issue" || ref.String() != "github.get_issue" {
		t.Errorf("ParseActionRef() = %+v, %v", ref, err)
	}
	for _, bad := range []string{"", "github", ".x", "x.", "a/b.c"} {
		if _, err := ParseActionRef(bad); !errors.Is(err, ErrInvalidActionRef) {
			t.Errorf("ParseActionRef(%q) err = %v", bad, err)
		}
	}
}

func TestReadAction(t *testing.T) {
	t.Parallel()

	l := newMetadataLayout(t)
	action, err := ReadAction(l, ActionRef{Pack: "github", Action: "get_issue"})
	if err != nil {
		t.Fatalf("ReadAction() error: %v", err)
	}
	if action.RunnerType != "python-script" || action.EntryPoint != "get_issue.py" || action.Pack != "github" {
		t.Errorf("action = %+v", action)
	}
	if got := action.ParameterNames(); !slices.Equal(got, []string{"repo", "user", "id", "state", "token"}) {
		t.Errorf("ParameterNames() = %v", got)
	}

	_, err = ReadAction(l, ActionRef{Pack: "github", Action: "nope"})
	if !errors.Is(err, ErrActionNotFound) {
		t.Errorf("missing action err = %v", err)
	}
}

func TestAction_ParameterSchema(t *testing.T) {
	t.Parallel()

	action, err := ReadAction(newMetadataLayout(t), ActionRef{Pack: "github", Action: "get_issue"})
	if err != nil {
		t.Fatal(err)
	}
	schema := action.ParameterSchema()

	props := schema["properties"].(map[string]any)
	if _, ok := props["token"]; ok {
		t.Error("immutable parameter exposed in schema")
	}
	if state := props["state"].(map[string]any); state["default"] != "open" || len(state["enum"].([]any)) != 2 {
		t.Errorf("state = %v", state)
	}
	if got := schema["required"].([]string); !slices.Equal(got, []string{"id", "repo", "user"}) {
		t.Errorf("required = %v", got)
	}
}

func TestReadConfigSchema(t *testing.T) {
	t.Parallel()

	l := newMetadataLayout(t)
	schema, err := ReadConfigSchema(l, "github")
	if err != nil {
		t.Fatalf("ReadConfigSchema() error: %v", err)
	}
	if !schema["token"].Secret || schema["base_url"].Default != "https://api.github.com" {
		t.Errorf("schema = %+v", schema)
	}
	if got := schema.Schema()["required"].([]string); !slices.Equal(got, []string{"token"}) {
		t.Errorf("required = %v", got)
	}

	none, err := ReadConfigSchema(l, "aws")
	if err != nil || none != nil {
		t.Errorf("missing schema = %v, %v", none, err)
	}

	if err := afero.WriteFile(l.Fs(), filepath.Join(l.HostPackDir("empty"), "config.schema.yaml"), []byte("---\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfigSchema(l, "empty"); !errors.Is(err, ErrEmptyConfigSchema) {
		t.Errorf("empty schema err = %v", err)
	}
}
