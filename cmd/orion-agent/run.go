package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/cli"
	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/core"
	"github.com/e7canasta/orion-sync/internal/session"
)

type runOptions struct {
	port     int
	dataDir  string
	device   string
	duration float64
}

// overrides returns the config changes for flags set on cmd.
func (o *runOptions) overrides(cmd *cobra.Command) func(*config.Config) {
	flags := cmd.Flags()
	return func(c *config.Config) {
		if flags.Changed("port") {
			c.Control.Port = o.port
		}
		if flags.Changed("data-dir") {
			c.DataDir = o.dataDir
		}
		if flags.Changed("device") {
			c.Capture.Device = o.device
		}
		if flags.Changed("duration") {
			c.Capture.DurationS = o.duration
		}
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for master commands and capture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, root, opts)
		},
	}
	bindRunFlags(cmd, opts)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().IntVarP(&opts.port, "port", "p", 5000, "UDP command port")
	cmd.Flags().StringVarP(&opts.dataDir, "data-dir", "d", "", "Directory for session folders")
	cmd.Flags().StringVar(&opts.device, "device", "", "Capture device: oximeter or simulator")
	cmd.Flags().Float64Var(&opts.duration, "duration", 0, "Stop collecting after this many seconds (0 = until STOP)")
}

func runAgent(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	logger := cli.NewLogger(os.Stdout, root.debug)
	logger.Info("starting orion agent", "config", root.configPath, "debug", root.debug)

	cfg, err := config.LoadWith(root.configPath, session.RoleAgent, opts.overrides(cmd))
	if err != nil {
		return err
	}

	node, err := core.NewNode(core.Options{
		Config: cfg,
		Role:   session.RoleAgent,
		Listen: true,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- node.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		if err != nil {
			logger.Error("orion agent failed", "error", err)
			return err
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+time.Second)
	defer shutdownCancel()

	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("orion agent stopped")
	return nil
}
