// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/shell"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/invoke"
	"github.com/invowk/packwire/internal/issue"
	"github.com/invowk/packwire/internal/service"
	"github.com/invowk/packwire/pkg/types"
)

var errEmptyCommand = errors.New("--cmd is empty")

func newDockerCommand(app *App) *cobra.Command {
	dockerCmd := &cobra.Command{
		Use:   "docker",
		Short: "Manage the build container and run functions locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	dockerCmd.AddCommand(
		newDockerPullCommand(app),
		newDockerStartCommand(app),
		newDockerStopCommand(app),
		newDockerExecCommand(app),
		newDockerRunCommand(app),
		newDockerPsCommand(app),
		newDockerPruneCommand(app),
	)
	return dockerCmd
}

func newDockerPullCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull the build image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				lc, err := p.Lifecycle()
				if err != nil {
					return err
				}
				if err := lc.EnsureImage(ctx, p.BuildImage()); err != nil {
					return imagePullError(p.cfg.BuildImage, err)
				}
				fmt.Fprintf(app.stdout, "%s pulled %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(p.cfg.BuildImage))
				return nil
			})
		},
	}
}

func newDockerStartCommand(app *App) *cobra.Command {
	var pull bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a build container with the workspace mounted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				lc, err := p.Lifecycle()
				if err != nil {
					return err
				}
				if err := p.layout.Ensure(); err != nil {
					return err
				}
				if pull {
					if err := lc.EnsureImage(ctx, p.BuildImage()); err != nil {
						return imagePullError(p.cfg.BuildImage, err)
					}
				}
				session, err := lc.Start(ctx, p.BuildImage(), p.layout.Mount())
				if err != nil {
					return actionable("start build container", p.cfg.BuildImage, err)
				}
				fmt.Fprintln(app.stdout, session.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", false, "pull the build image first")
	return cmd
}

func newDockerStopCommand(app *App) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a build container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				target, err := p.requireSession(ctx, id)
				if err != nil {
					return err
				}
				lc, err := p.Lifecycle()
				if err != nil {
					return err
				}
				if err := lc.Stop(ctx, target); err != nil {
					if !container.IsNoSuchContainer(err) {
						return actionable("stop build container", string(target), err)
					}
					p.logger.Warn("build container was already gone", "id", target.Short())
				}
				fmt.Fprintf(app.stdout, "%s stopped %s\n", SuccessStyle.Render("✓"), target.Short())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "container id (default: the newest running build container)")
	return cmd
}

func newDockerExecCommand(app *App) *cobra.Command {
	var (
		id      string
		command string
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a command in a build container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			argv, err := splitCommand(command)
			if err != nil {
				return fmt.Errorf("parse --cmd: %w", err)
			}
			if len(argv) == 0 {
				return errEmptyCommand
			}

			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				target, err := p.requireSession(ctx, id)
				if err != nil {
					return err
				}
				lc, err := p.Lifecycle()
				if err != nil {
					return err
				}
				session, err := lc.Resume(ctx, target, p.BuildImage())
				if err != nil {
					return actionable("attach to build container", string(target), err)
				}
				exec, err := p.Executor()
				if err != nil {
					return err
				}

				res, err := exec.Exec(ctx, session, argv)
				if res != nil {
					fmt.Fprint(app.stdout, res.Stdout)
					fmt.Fprint(app.stderr, res.Stderr)
				}
				var cmdErr *container.CommandError
				if errors.As(err, &cmdErr) {
					return &ExitError{Code: cmdErr.ExitCode, Err: err}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "container id (default: the newest running build container)")
	cmd.Flags().StringVar(&command, "cmd", "", "command line to run")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

type runFlags struct {
	function    string
	data        string
	path        string
	passthrough bool
}

// splitCommand splits a --cmd string into words. Variable references are
// kept literal so they expand inside the container, not on the host.
func splitCommand(command string) ([]string, error) {
	return shell.Fields(command, func(name string) string { return "$" + name })
}

func newDockerRunCommand(app *App) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Invoke a StackStorm function in the runtime image",
		Long: `Invoke a StackStorm function in the runtime image.

The event is taken from --data, from the file named by --path, or from
stdin, in that order. Without any of them the event is {}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFunction(cmd.Context(), app, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.function, "function", "f", "", "function name from the descriptor")
	cmd.Flags().StringVarP(&flags.data, "data", "d", "", "event as a JSON string")
	cmd.Flags().StringVarP(&flags.path, "path", "p", "", "file holding the event")
	cmd.Flags().BoolVar(&flags.passthrough, "passthrough", false, "return the rendered parameters instead of running the action")
	_ = cmd.MarkFlagRequired("function")
	return cmd
}

func runFunction(ctx context.Context, app *App, flags runFlags) error {
	var stdin = app.stdin
	if flags.data != "" || flags.path != "" || isTerminal(stdin) {
		stdin = nil
	}
	event, err := invoke.ResolveEvent(app.Fs, invoke.EventSource{Data: flags.data, Path: flags.path, Stdin: stdin})
	if err != nil {
		return actionable("read event", flags.path, err)
	}

	return app.withProject(ctx, projectOptions{requireDescriptor: true}, func(ctx context.Context, p *project) error {
		fn, err := p.svc.Function(flags.function)
		if err != nil {
			return actionable("find function", flags.function, err)
		}
		if _, err := service.NewPreparer(p.layout, nil, service.WithPreparerLogger(p.logger.WithPrefix("prepare"))).Prepare(ctx, p.svc); err != nil {
			return actionable("prepare descriptor", p.descriptorPath, err)
		}

		exec, err := p.Executor()
		if err != nil {
			return err
		}
		opts := []invoke.InvokerOption{
			invoke.WithRuntimeImage(container.ImageRef(p.cfg.RuntimeImage)),
			invoke.WithInvokerLogger(p.logger.WithPrefix("invoke")),
		}
		if app.flags.verbose {
			opts = append(opts, invoke.WithStages(func(s invoke.Stage) {
				fmt.Fprintln(app.stderr, SubtitleStyle.Render(s.Name+":"))
				fmt.Fprintln(app.stderr, VerboseStyle.Render(strings.TrimRight(s.Detail, "\n")))
			}))
		}

		start := time.Now()
		res, err := invoke.NewInvoker(exec, p.layout, p.dir, opts...).Invoke(ctx, invoke.Request{
			Name:        flags.function,
			Function:    fn,
			Event:       event,
			Passthrough: flags.passthrough,
		})
		if res != nil {
			printInvokeResult(app, res)
			p.logger.Debug("function finished", "function", flags.function, "exit", res.ExitCode, "took", time.Since(start).Round(time.Millisecond))
		}

		var (
			fnErr  *invoke.FunctionError
			cmdErr *container.CommandError
		)
		switch {
		case errors.As(err, &fnErr):
			return &ExitError{Code: types.ExitFailure, Err: err}
		case errors.As(err, &cmdErr):
			return &ExitError{Code: cmdErr.ExitCode, Err: err}
		case err != nil:
			return actionable("invoke function", flags.function, err)
		}
		return nil
	})
}

func printInvokeResult(app *App, res *invoke.Result) {
	if res.Output != "" {
		fmt.Fprint(app.stderr, res.Output)
	}
	if res.Stderr != "" {
		fmt.Fprint(app.stderr, res.Stderr)
	}
	if len(res.Payload) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Payload, "", "  "); err != nil {
		buf.Reset()
		buf.Write(res.Payload)
	}
	fmt.Fprintln(app.stdout, buf.String())
}

func newDockerPsCommand(app *App) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List build containers started by packwire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				store, err := p.Store()
				if err != nil {
					return err
				}
				records, err := store.List(ctx)
				if err != nil {
					return err
				}

				var rows [][]string
				for _, r := range records {
					if !all && !r.Running() {
						continue
					}
					status := "running"
					if !r.Running() {
						status = "stopped " + r.StoppedAt.Format(time.DateTime)
					}
					rows = append(rows, []string{
						container.ContainerID(r.ID).Short(), r.Name, r.Image,
						r.StartedAt.Format(time.DateTime), status,
					})
				}
				if len(rows) == 0 {
					fmt.Fprintln(app.stdout, WarningStyle.Render("no build containers"))
					return nil
				}
				renderTable(app.stdout, []string{"ID", "Name", "Image", "Started", "Status"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include stopped containers")
	return cmd
}

func newDockerPruneCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Stop recorded build containers and forget stopped ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				store, err := p.Store()
				if err != nil {
					return err
				}
				running, err := store.Running(ctx)
				if err != nil {
					return err
				}
				if len(running) > 0 {
					lc, err := p.Lifecycle()
					if err != nil {
						return err
					}
					for _, r := range running {
						id := container.ContainerID(r.ID)
						err := lc.Stop(ctx, id)
						switch {
						case err == nil:
							fmt.Fprintf(app.stdout, "%s stopped %s\n", SuccessStyle.Render("✓"), id.Short())
						case container.IsNoSuchContainer(err):
							// Stop records the container as gone.
						default:
							return actionable("stop build container", string(id), err)
						}
					}
				}
				n, err := store.PruneStopped(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "removed %d session records\n", n)
				return nil
			})
		},
	}
}

func imagePullError(image string, err error) error {
	return issue.NewErrorContext().
		WithOperation("pull image").
		WithResource(image).
		WithSuggestion("Check the image name and your registry credentials").
		WithSuggestion("Set build_image in packwire.cue or custom.stackstorm.image in the descriptor").
		WithIssue(issue.ImagePullFailedId).
		Wrap(err).
		BuildError()
}

// isTerminal reports whether r is an interactive terminal, in which case
// the event is not read from it.
func isTerminal(r any) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&os.ModeCharDevice != 0
}
