package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/cli"
	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/session"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	var (
		limit   int
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(root.configPath, session.RoleAgent, func(c *config.Config) {
				if cmd.Flags().Changed("data-dir") {
					c.DataDir = dataDir
				}
			})
			if err != nil {
				return err
			}
			return listSessions(cmd.Context(), cmd, cfg.Catalog.Path, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for session folders")
	return cmd
}

func listSessions(ctx context.Context, cmd *cobra.Command, path string, limit int) error {
	cat, err := catalog.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open session catalog: %w", err)
	}
	defer cat.Close()

	entries, err := cat.List(ctx, limit)
	if err != nil {
		return err
	}
	return cli.RenderSessions(cmd.OutOrStdout(), entries)
}
