// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/internal/service"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the packwire command tree bound to app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "packwire",
		Short: "Build serverless functions from StackStorm actions",
		Long: TitleStyle.Render("packwire") + SubtitleStyle.Render(" - build serverless functions from StackStorm actions") + `

packwire checks out StackStorm packs, provisions their Python dependencies
inside a build container and rewrites the deployment descriptor so every
function using st2_function runs the action through a small adapter.

` + SubtitleStyle.Render("Typical workflow:") + `
  packwire install adapter      Copy the adapter into the workspace
  packwire install deps         Install the shared StackStorm libraries
  packwire install packs        Clone the packs referenced by functions
  packwire install packDeps     Install each pack's requirements
  packwire docker run -f NAME   Invoke a function locally
  packwire package              Do all of the above and print the descriptor`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	flags.StringVar(&app.flags.configFile, "config", "", "config file (default: <config dir>/packwire/config.cue and ./packwire.cue)")
	flags.StringVarP(&app.flags.projectDir, "project-dir", "C", ".", "project directory")
	flags.StringVar(&app.flags.descriptor, "descriptor", service.DefaultDescriptor, "deployment descriptor, relative to the project directory")

	rootCmd.AddCommand(
		newInstallCommand(app),
		newDockerCommand(app),
		newInfoCommand(app),
		newPackageCommand(app),
		newCleanCommand(app),
		newConfigCommand(app),
	)

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI with production dependencies and exits the process.
// This is called by main.main().
func Execute() {
	os.Exit(Run(context.Background(), Dependencies{}))
}

// Run executes the command line in os.Args with fang styling and returns the
// process exit code.
func Run(ctx context.Context, deps Dependencies) int {
	app := NewApp(deps)
	err := fang.Execute(
		ctx,
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			renderError(w, err, app.flags.verbose)
		}),
	)
	return exitCodeOf(err)
}

// renderError prints err for the user. Actionable errors get their
// suggestions, and in verbose mode the error chain and the catalog entry.
func renderError(w io.Writer, err error, verbose bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))

	var ae *issue.ActionableError
	if !verbose || !errors.As(err, &ae) || ae.Issue == 0 {
		return
	}
	if entry := issue.Get(ae.Issue); entry != nil {
		if rendered, renderErr := entry.Render("dark"); renderErr == nil {
			fmt.Fprint(w, rendered)
		}
	}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
