// SPDX-License-Identifier: MPL-2.0

package service

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/invowk/packwire/internal/packs"
)

const testDescriptor = `service: my-service

provider:
  name: aws
  runtime: python2.7

custom:
  stackstorm:
    image: example/build:latest
    runtimeImage: example/run:latest
    index: https://example.com/index.json
  other: kept

package:
  exclude:
    - node_modules/**

functions:
  get_issue:
    st2_function: github.get_issue
    st2_config:
      token: abc
    st2_parameters:
      user: "{{ input.body.user }}"
    events:
      - http:
          method: get
          path: issue
  list_issues:
    st2_function: github.list_issues
  create_bucket:
    st2_function: aws.create_bucket
  plain:
    handler: handler.hello
`

func TestParse(t *testing.T) {
	t.Parallel()

	svc, err := Parse([]byte(testDescriptor))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if svc.Service != "my-service" {
		t.Errorf("Service = %q", svc.Service)
	}
	if s := svc.Custom.StackStorm; s.Image != "example/build:latest" || s.RuntimeImage != "example/run:latest" || s.Index != "https://example.com/index.json" {
		t.Errorf("Settings = %+v", s)
	}
	if !slices.Equal(svc.FunctionNames(), []string{"create_bucket", "get_issue", "list_issues", "plain"}) {
		t.Errorf("FunctionNames() = %v", svc.FunctionNames())
	}

	fn, err := svc.Function("get_issue")
	if err != nil {
		t.Fatal(err)
	}
	if fn.St2Config["token"] != "abc" || fn.Extra["events"] == nil {
		t.Errorf("get_issue = %+v", fn)
	}
	if _, err := svc.Function("nope"); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("Function(nope) err = %v", err)
	}
}

func TestService_ActionRefsAndPacks(t *testing.T) {
	t.Parallel()

	svc, err := Parse([]byte(testDescriptor))
	if err != nil {
		t.Fatal(err)
	}

	want := []packs.ActionRef{
		{Pack: "aws", Action: "create_bucket"},
		{Pack: "github", Action: "get_issue"},
		{Pack: "github", Action: "list_issues"},
	}
	if got := svc.ActionRefs(); !slices.Equal(got, want) {
		t.Errorf("ActionRefs() = %v", got)
	}
	if got := svc.PackNames(); !slices.Equal(got, []string{"aws", "github"}) {
		t.Errorf("PackNames() = %v", got)
	}
}

func TestParse_MutuallyExclusive(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("functions:\n  f:\n    st2_function: a.b\n    handler: x.y\n"))
	if !errors.Is(err, ErrMutuallyExclusive) {
		t.Errorf("Parse() err = %v, want ErrMutuallyExclusive", err)
	}
	if !strings.Contains(err.Error(), "function f") {
		t.Errorf("error does not name the function: %v", err)
	}

	_, err = Parse([]byte("functions:\n  f:\n    st2_function: nodot\n"))
	if !errors.Is(err, packs.ErrInvalidActionRef) {
		t.Errorf("Parse(bad ref) err = %v", err)
	}
}

func TestLoadAndEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/p/serverless.yml", []byte(testDescriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	svc, err := Load(fsys, "/p/serverless.yml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	out, err := svc.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	for _, want := range []string{"provider:", "runtime: python2.7", "other: kept", "runtimeImage: example/run:latest", "method: get"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("encoded descriptor lost %q:\n%s", want, out)
		}
	}

	if _, err := Load(fsys, "/p/missing.yml"); err == nil {
		t.Error("Load(missing) should fail")
	}
}

func TestParse_EmptyFunctions(t *testing.T) {
	t.Parallel()

	svc, err := Parse([]byte("service: x\nfunctions:\n  empty:\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if fn, _ := svc.Function("empty"); fn == nil || fn.IsStackStorm() {
		t.Errorf("empty function = %+v", fn)
	}
}
