// Command orion-agent runs one capture agent: it listens for PREPARE, START
// and STOP on UDP and records its device against the master's clock.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "orion-agent",
		Short: "Time-synchronized capture agent",
		Long: `orion-agent records one local device (a USB pulse oximeter or its
simulator) into per-session CSV files whose timestamps are calibrated
against the master's clock.

The agent is driven entirely by the master:
  PREPARE            open the device and allocate a session
  START,<master_t>   record the clock offset and begin collecting
  STOP[,<master_t>]  stop collecting and finalize the session`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newRunCmd(opts), newSessionsCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
