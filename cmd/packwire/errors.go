// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/index"
	"github.com/invowk/packwire/internal/invoke"
	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/internal/provision"
	"github.com/invowk/packwire/internal/service"
)

// actionable wraps err with user guidance chosen from its type. Errors
// without a known cause are wrapped with the operation only.
func actionable(operation, resource string, err error) error {
	if err == nil {
		return nil
	}
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}

	ec := issue.NewErrorContext().WithOperation(operation).WithResource(resource).Wrap(err)

	var (
		installErr *provision.PackageInstallError
		statusErr  *index.StatusError
		spawnErr   *container.SpawnError
	)
	switch {
	case errors.Is(err, provision.ErrPackNotCloned):
		ec.WithSuggestion("Clone the pack first with 'packwire install packs'").
			WithIssue(issue.PackNotFoundId)
	case errors.As(err, &installErr):
		ec.WithSuggestions(
			"Check requirements.txt of "+installErr.Pack+" for packages that do not build on the build image",
			"Re-run with --verbose to stream pip output",
		).
			WithIssue(issue.DependencyInstallFailedId)
	case errors.Is(err, index.ErrPackNotFound):
		ec.WithSuggestions(
			"Check the pack name against the StackStorm exchange",
			"Point index_url or custom.stackstorm.index at an index that lists it",
		).
			WithIssue(issue.PackNotFoundId)
	case errors.As(err, &statusErr):
		ec.WithSuggestion("Check network access to " + statusErr.URL).
			WithIssue(issue.IndexUnreachableId)
	case errors.Is(err, container.ErrImageNotPresent):
		ec.WithSuggestions(
			"Pull the build image with 'packwire docker pull'",
			"Run without --no-pull to pull it on start",
		).WithIssue(issue.ImagePullFailedId)
	case errors.Is(err, container.ErrSessionActive):
		ec.WithSuggestion("Stop the running build container with 'packwire docker stop'").
			WithIssue(issue.SessionActiveId)
	case errors.Is(err, container.ErrNoSession), errors.Is(err, container.ErrSessionNotRunning):
		ec.WithSuggestion("Start a build container with 'packwire docker start'").
			WithIssue(issue.NoSessionId)
	case errors.As(err, &spawnErr):
		ec.WithSuggestion("Make sure the container engine binary is installed and on PATH").
			WithIssue(issue.ContainerEngineNotFoundId)
	case errors.Is(err, invoke.ErrEventFileNotFound):
		ec.WithSuggestion("Check the --path argument").
			WithIssue(issue.EventFileNotFoundId)
	case errors.Is(err, service.ErrMutuallyExclusive):
		ec.WithSuggestion("Remove handler from functions that set st2_function").
			WithIssue(issue.DescriptorInvalidId)
	case errors.Is(err, service.ErrFunctionNotFound):
		ec.WithSuggestion("List the functions of the descriptor and check the --function name")
	}
	return ec.BuildError()
}
