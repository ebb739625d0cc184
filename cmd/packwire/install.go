// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/provision"
)

// errNoPacks is returned by install packs without --pack and without
// StackStorm functions in the descriptor.
var errNoPacks = errors.New("no packs to install: pass --pack or reference actions with st2_function")

func newInstallCommand(app *App) *cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the adapter, shared dependencies, packs and pack dependencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	installCmd.AddCommand(&cobra.Command{
		Use:   "adapter",
		Short: "Copy the StackStorm adapter into the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				files, err := p.layout.InstallAdapter()
				if err != nil {
					return actionable("install adapter", p.layout.HostDir(), err)
				}
				fmt.Fprintf(app.stdout, "%s adapter installed in %s (%d files)\n",
					SuccessStyle.Render("✓"), p.layout.HostDir(), len(files))
				return nil
			})
		},
	})

	var depsNoPull bool
	depsCmd := &cobra.Command{
		Use:   "deps",
		Short: "Install the shared StackStorm libraries into the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				return installSharedDeps(ctx, p, !depsNoPull)
			})
		},
	}
	depsCmd.Flags().BoolVar(&depsNoPull, "no-pull", false, "do not pull the build image before starting it")
	installCmd.AddCommand(depsCmd)

	var packName string
	packsCmd := &cobra.Command{
		Use:   "packs",
		Short: "Clone the packs used by the descriptor, or a single pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				return installPacks(ctx, p, packName)
			})
		},
	}
	packsCmd.Flags().StringVarP(&packName, "pack", "p", "", "install only this pack")
	installCmd.AddCommand(packsCmd)

	var (
		depsPack    string
		packNoPull  bool
		forceReinst bool
	)
	packDepsCmd := &cobra.Command{
		Use:   "packDeps",
		Short: "Install pack requirements into per-pack prefixes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				return installPackDeps(ctx, p, depsPack, !packNoPull, forceReinst)
			})
		},
	}
	packDepsCmd.Flags().StringVarP(&depsPack, "pack", "p", "", "install dependencies of this pack only")
	packDepsCmd.Flags().BoolVar(&packNoPull, "no-pull", false, "do not pull the build image before starting it")
	packDepsCmd.Flags().BoolVar(&forceReinst, "force", false, "reinstall even when the prefix exists")
	installCmd.AddCommand(packDepsCmd)

	return installCmd
}

// withProject opens the project, runs fn and releases project resources.
func (a *App) withProject(ctx context.Context, opts projectOptions, fn func(context.Context, *project) error) error {
	p, err := a.openProject(ctx, opts)
	if err != nil {
		return err
	}
	defer p.finish()
	return fn(ctx, p)
}

func installSharedDeps(ctx context.Context, p *project, pull bool) error {
	return p.withBuildSession(ctx, pull, func(exec *container.Executor, starter *container.AutoStarter) error {
		prov, err := p.Provisioner(exec, starter)
		if err != nil {
			return err
		}
		outcome, err := prov.InstallSharedDeps(ctx, nil)
		if err != nil {
			return actionable("install shared dependencies", p.layout.HostDepsPrefix(), err)
		}
		printOutcome(p.app.stdout, provision.SharedTarget, outcome, 0)
		return nil
	})
}

func installPacks(ctx context.Context, p *project, only string) error {
	names := []string{only}
	if only == "" {
		if p.svc == nil {
			return errNoPacks
		}
		names = p.svc.PackNames()
	}
	if len(names) == 0 {
		return errNoPacks
	}

	results, err := p.Installer().InstallPacks(ctx, names)
	if err != nil {
		return actionable("install packs", p.cfg.IndexURL, err)
	}
	for _, res := range results {
		verb := "updated"
		if res.Cloned {
			verb = "cloned"
		}
		fmt.Fprintf(p.app.stdout, "%s %s %s at %s\n",
			SuccessStyle.Render("✓"), verb, CmdStyle.Render(res.Path), shortHead(res.Head))
	}
	return nil
}

func installPackDeps(ctx context.Context, p *project, pack string, pull, force bool) error {
	return p.withBuildSession(ctx, pull, func(exec *container.Executor, starter *container.AutoStarter) error {
		if pack != "" {
			prov, err := p.Provisioner(exec, starter)
			if err != nil {
				return err
			}
			start := time.Now()
			outcome, err := prov.InstallPackageDeps(ctx, nil, pack, force)
			if err != nil {
				return actionable("install pack dependencies", pack, err)
			}
			printOutcome(p.app.stdout, pack, outcome, time.Since(start))
			return nil
		}

		report, err := installAllPackDeps(ctx, p, exec, starter, force)
		if report != nil {
			printReport(p.app.stdout, report)
		}
		if err != nil {
			return actionable("install pack dependencies", p.layout.HostPacksDir(), err)
		}
		return nil
	})
}

func installAllPackDeps(ctx context.Context, p *project, exec *container.Executor, starter *container.AutoStarter, force bool) (*provision.Report, error) {
	packs, err := p.layout.ListPacks()
	if err != nil {
		return nil, err
	}
	var opts []provision.ProvisionerOption
	if len(packs) > 0 {
		bar := newProgressBar(p.app.stderr, len(packs), "provisioning packs")
		defer func() { _ = bar.Finish() }()
		opts = append(opts, provision.WithProgress(func(provision.PackResult) {
			_ = bar.Add(1)
		}))
	}
	prov, err := p.Provisioner(exec, starter, opts...)
	if err != nil {
		return nil, err
	}
	return prov.InstallAllPackageDeps(ctx, nil, force)
}

func newProgressBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}

func printOutcome(w io.Writer, target string, outcome provision.Outcome, d time.Duration) {
	var mark string
	switch outcome {
	case provision.OutcomeInstalled:
		mark = SuccessStyle.Render("✓")
	case provision.OutcomeSkipped:
		mark = WarningStyle.Render("-")
	default:
		mark = ErrorStyle.Render("✗")
	}
	line := fmt.Sprintf("%s %s %s", mark, CmdStyle.Render(target), outcome)
	if d > 0 {
		line += SubtitleStyle.Render(fmt.Sprintf(" (%s)", d.Round(time.Millisecond)))
	}
	fmt.Fprintln(w, line)
}

func printReport(w io.Writer, report *provision.Report) {
	for _, res := range report.Results {
		printOutcome(w, res.Pack, res.Outcome, res.Duration)
	}
	fmt.Fprintf(w, "%d installed, %d skipped, %d failed, %d canceled\n",
		report.Count(provision.OutcomeInstalled),
		report.Count(provision.OutcomeSkipped),
		report.Count(provision.OutcomeFailed),
		report.Count(provision.OutcomeCanceled))
}

func shortHead(head string) string {
	if len(head) > 7 {
		return head[:7]
	}
	return head
}
