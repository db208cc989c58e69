// Command orion-master coordinates a capture run: it fans PREPARE, START and
// STOP out to every agent and records its own camera as agent zero.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configPath string
	debug      bool
	agents     []string
	agentPort  int
	dataDir    string
}

// load reads the master configuration with persistent flag overrides plus
// any command-specific ones.
func (o *rootOptions) load(cmd *cobra.Command, extra ...func(*config.Config)) (*config.Config, error) {
	flags := cmd.Flags()
	overrides := append([]func(*config.Config){func(c *config.Config) {
		if flags.Changed("agents") {
			c.Master.Agents = o.agents
		}
		if flags.Changed("agent-port") {
			c.Master.AgentPort = o.agentPort
		}
		if flags.Changed("data-dir") {
			c.DataDir = o.dataDir
		}
	}}, extra...)
	return config.LoadWith(o.configPath, session.RoleMaster, overrides...)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "orion-master",
		Short: "Coordinate time-synchronized capture across agents",
		Long: `orion-master broadcasts lifecycle commands to capture agents over UDP
and records its own camera alongside them.

Every START carries the master's wall clock; each agent stores the offset
between its own clock and that instant so all recordings can be aligned
afterwards. Commands are fire-and-forget: re-issue a command if an agent
missed it.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.StringSliceVarP(&opts.agents, "agents", "a", nil, "Agent hosts (host or host:port), comma separated")
	pf.IntVar(&opts.agentPort, "agent-port", 5000, "Agent command port when a host has none")
	pf.StringVarP(&opts.dataDir, "data-dir", "d", "", "Directory for session folders")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newConsoleCmd(opts), newSendCmd(opts), newSessionsCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
