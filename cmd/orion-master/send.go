package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/cli"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/coordinator"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var at float64

	cmd := &cobra.Command{
		Use:       "send <prepare|start|stop>",
		Short:     "Send one command to every agent without capturing locally",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"prepare", "start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cli.NewLogger(os.Stderr, root.debug)

			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			agents, err := control.ResolveAgents(cfg.Master.Agents, cfg.Master.AgentPort)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				return fmt.Errorf("no agents configured (use --agents or master.agents)")
			}

			sender, err := control.NewSender(nil, logger)
			if err != nil {
				return err
			}
			defer sender.Close()

			coord, err := coordinator.New(coordinator.Config{Agents: agents, Sender: sender, Logger: logger})
			if err != nil {
				return err
			}

			cmdAt := at
			if !cmd.Flags().Changed("at") {
				cmdAt = -1
			}
			rep, err := sendOnce(cmd, coord, args[0], cmdAt)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderReport(rep))
			if rep.Failed() == len(rep.Results) {
				return fmt.Errorf("%s was not delivered to any agent", rep.Command.Verb)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&at, "at", 0, "Explicit master timestamp for start or stop (seconds since the Unix epoch)")
	return cmd
}

// sendOnce issues verb through coord. A negative at means "now".
func sendOnce(cmd *cobra.Command, coord *coordinator.Coordinator, verb string, at float64) (coordinator.Report, error) {
	switch verb {
	case "prepare":
		return coord.Prepare(cmd.Context())
	case "start":
		if at >= 0 {
			return coord.Send(control.Start(at)), nil
		}
		return coord.Start(cmd.Context())
	case "stop":
		if at >= 0 {
			return coord.Send(control.Stop(at)), nil
		}
		return coord.Stop(cmd.Context())
	default:
		return coordinator.Report{}, fmt.Errorf("unknown command %q", verb)
	}
}
