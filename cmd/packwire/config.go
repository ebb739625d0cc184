// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/invowk/packwire/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect packwire configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective configuration and where it came from",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := app.loadConfig(cmd.Context())
				if err != nil {
					return err
				}
				sources := app.Config.Sources()
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("sources:"))
				if len(sources) == 0 {
					fmt.Fprintln(app.stdout, "  (defaults)")
				}
				for _, s := range sources {
					fmt.Fprintf(app.stdout, "  %s\n", s)
				}
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(app.stdout, string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "dump",
			Short: "Print the effective configuration as CUE",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := app.loadConfig(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
				return nil
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON schema of the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				data, err := config.JSONSchema()
				if err != nil {
					return err
				}
				fmt.Fprintln(app.stdout, string(data))
				return nil
			},
		},
	)
	return configCmd
}

func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	dir, err := filepath.Abs(a.flags.projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configFile, ProjectDir: dir})
}
