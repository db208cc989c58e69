package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/cli"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded by the master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			cat, err := catalog.Open(cfg.Catalog.Path)
			if err != nil {
				return fmt.Errorf("failed to open session catalog: %w", err)
			}
			defer cat.Close()

			entries, err := cat.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return cli.RenderSessions(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show")
	return cmd
}
