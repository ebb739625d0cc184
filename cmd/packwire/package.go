// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/invowk/packwire/internal/container"
	"github.com/invowk/packwire/internal/provision"
	"github.com/invowk/packwire/internal/service"
)

func newPackageCommand(app *App) *cobra.Command {
	var (
		local  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Prepare the workspace and print the resolved descriptor",
		Long: `Prepare the workspace and print the resolved descriptor.

Every function using st2_function is pointed at the adapter handler, its
packs are cloned and the adapter is copied into the workspace. Unless
--local is given the build image is pulled and a build container installs
the shared libraries and the requirements of every pack.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{requireDescriptor: true}, func(ctx context.Context, p *project) error {
				return packageProject(ctx, p, local, output)
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "skip dependency installation in the build container")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the descriptor to this file instead of stdout")
	return cmd
}

func packageProject(ctx context.Context, p *project, local bool, output string) error {
	if err := p.layout.Ensure(); err != nil {
		return err
	}

	preparer := service.NewPreparer(p.layout, p.Installer(), service.WithPreparerLogger(p.logger.WithPrefix("prepare")))
	prepared, err := preparer.Prepare(ctx, p.svc)
	if err != nil {
		return actionable("prepare descriptor", p.descriptorPath, err)
	}

	if prepared.NeedsAdapter() {
		if _, err := p.layout.InstallAdapter(); err != nil {
			return actionable("install adapter", p.layout.HostDir(), err)
		}
		p.logger.Info("adapter installed", "functions", len(prepared.Functions), "packs", prepared.Packs)
	}

	if !local && prepared.NeedsAdapter() {
		err := p.withBuildSession(ctx, true, func(exec *container.Executor, starter *container.AutoStarter) error {
			prov, err := p.Provisioner(exec, starter)
			if err != nil {
				return err
			}
			if _, err := prov.InstallSharedDeps(ctx, nil); err != nil {
				return actionable("install shared dependencies", p.layout.HostDepsPrefix(), err)
			}
			report, err := prov.InstallAllPackageDeps(ctx, nil, false)
			if report != nil {
				p.logger.Info("pack dependencies provisioned",
					"installed", report.Count(provision.OutcomeInstalled),
					"skipped", report.Count(provision.OutcomeSkipped))
			}
			if err != nil {
				return actionable("install pack dependencies", p.layout.HostPacksDir(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	data, err := p.svc.Encode()
	if err != nil {
		return err
	}
	if output == "" {
		_, err := p.app.stdout.Write(data)
		return err
	}
	if err := afero.WriteFile(p.app.Fs, output, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	fmt.Fprintf(p.app.stderr, "%s descriptor written to %s\n", SuccessStyle.Render("✓"), output)
	return nil
}
