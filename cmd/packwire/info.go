// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/invowk/packwire/internal/packs"
)

func newInfoCommand(app *App) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe a StackStorm action and its parameters",
		Long: `Describe a StackStorm action and its parameters.

The pack is cloned into the workspace first when it is not there yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := packs.ParseActionRef(action)
			if err != nil {
				return err
			}
			return app.withProject(cmd.Context(), projectOptions{}, func(ctx context.Context, p *project) error {
				exists, err := afero.DirExists(p.layout.Fs(), p.layout.HostPackDir(ref.Pack))
				if err != nil {
					return err
				}
				if !exists {
					if _, err := p.Installer().InstallPack(ctx, ref.Pack); err != nil {
						return actionable("install pack", ref.Pack, err)
					}
				}

				a, err := packs.ReadAction(p.layout, ref)
				if err != nil {
					return actionable("read action", ref.String(), err)
				}
				printAction(app, a)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", "", "action reference as pack.action")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func printAction(app *App, a *packs.Action) {
	fmt.Fprintln(app.stdout, TitleStyle.Render(a.Pack+"."+a.Name))
	if a.Description != "" {
		fmt.Fprintln(app.stdout, a.Description)
	}
	fmt.Fprintf(app.stdout, "%s %s\n", SubtitleStyle.Render("runner:"), a.RunnerType)
	fmt.Fprintln(app.stdout)

	names := a.ParameterNames()
	if len(names) == 0 {
		fmt.Fprintln(app.stdout, WarningStyle.Render("no parameters"))
		return
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		param := a.Parameters[name]
		rows = append(rows, []string{
			name,
			param.Type,
			strconv.FormatBool(param.Required),
			formatDefault(param),
			param.Description,
		})
	}
	renderTable(app.stdout, []string{"Parameter", "Type", "Required", "Default", "Description"}, rows)
}

func formatDefault(p packs.Parameter) string {
	switch {
	case p.Secret && p.Default != nil:
		return "********"
	case p.Default == nil:
		return ""
	}
	if s, ok := p.Default.(string); ok {
		return s
	}
	data, err := json.Marshal(p.Default)
	if err != nil {
		return fmt.Sprint(p.Default)
	}
	return string(data)
}
