// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newCleanCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the workspace",
		Long: `Remove the workspace with its packs, dependency prefixes, adapter and
session records. Build containers still running are reported and left alone;
stop them first with 'packwire docker prune'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				if err := warnRunningSessions(ctx, p); err != nil {
					return err
				}
				if err := p.layout.Clean(); err != nil {
					return actionable("clean workspace", p.layout.HostDir(), err)
				}
				fmt.Fprintf(app.stdout, "%s removed %s\n", SuccessStyle.Render("✓"), p.layout.HostDir())
				return nil
			})
		},
	}
}

// warnRunningSessions reports recorded running containers and closes the
// session store so the workspace can be removed.
func warnRunningSessions(ctx context.Context, p *project) error {
	exists, err := afero.Exists(p.layout.Fs(), p.layout.SessionsDBPath())
	if err != nil || !exists {
		return err
	}
	store, err := p.Store()
	if err != nil {
		return err
	}
	running, err := store.Running(ctx)
	if err != nil {
		return err
	}
	for _, r := range running {
		p.logger.Warn("build container still running", "id", r.ID, "name", r.Name)
	}
	p.store = nil
	return store.Close()
}
