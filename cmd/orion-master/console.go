package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-sync/internal/cli"
	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/coordinator"
	"github.com/e7canasta/orion-sync/internal/core"
	"github.com/e7canasta/orion-sync/internal/session"
	"github.com/e7canasta/orion-sync/internal/statusbus"
)

type consoleOptions struct {
	device   string
	duration float64
}

func newConsoleCmd(root *rootOptions) *cobra.Command {
	opts := &consoleOptions{}

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive operator console (prepare, start, stop, status, quit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.device, "device", "", "Master capture device: camera or simulator")
	cmd.Flags().Float64Var(&opts.duration, "duration", 0, "Stop everything after this many seconds (0 = until stop)")
	return cmd
}

func runConsole(cmd *cobra.Command, root *rootOptions, opts *consoleOptions) error {
	// Logs go to stderr so the console output stays readable.
	logger := cli.NewLogger(os.Stderr, root.debug)

	flags := cmd.Flags()
	cfg, err := root.load(cmd, func(c *config.Config) {
		if flags.Changed("device") {
			c.Capture.Device = opts.device
		}
		if flags.Changed("duration") {
			c.Capture.DurationS = opts.duration
		}
	})
	if err != nil {
		return err
	}

	agents, err := control.ResolveAgents(cfg.Master.Agents, cfg.Master.AgentPort)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		logger.Warn("no agents configured, recording master only")
	}

	node, err := core.NewNode(core.Options{Config: cfg, Role: session.RoleMaster, Logger: logger})
	if err != nil {
		return err
	}

	sender, err := control.NewSender(nil, logger)
	if err != nil {
		return err
	}
	defer sender.Close()

	coord, err := coordinator.New(coordinator.Config{
		Agents: agents,
		Sender: sender,
		Local:  node.Manager(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	watch := make(chan session.Status, 16)
	if err := node.Bus().Subscribe("coordinator", watch); err != nil {
		return err
	}
	latest, err := node.Bus().SubscribeLatest("console")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- node.Run(ctx)
	}()
	go coord.Watch(ctx, watch)

	out := cmd.OutOrStdout()
	go renderStatus(out, latest)

	fmt.Fprintln(out, cli.ConsoleHelp)
	c := &console{coord: coord, status: node.Manager().Status, out: out, logger: logger}
	c.run(ctx, scanLines(cmd.InOrStdin()))

	c.stopIfActive()
	cancel()
	if err := <-errChan; err != nil {
		logger.Error("orion master failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+time.Second)
	defer shutdownCancel()
	return node.Shutdown(shutdownCtx)
}

// renderStatus prints every status change until the bus closes.
func renderStatus(w io.Writer, latest *statusbus.Latest[session.Status]) {
	var seq uint64
	for {
		st, next, ok := latest.Next(seq)
		if !ok {
			return
		}
		seq = next
		fmt.Fprintln(w, cli.RenderStatus(st))
	}
}

// scanLines delivers r line by line and closes the channel at EOF.
func scanLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type console struct {
	coord  *coordinator.Coordinator
	status func() session.Status
	out    io.Writer
	logger *slog.Logger
}

// run executes console lines until quit, EOF or ctx is cancelled.
func (c *console) run(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.exec(ctx, line); quit {
				return
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) (quit bool) {
	action, ok, err := cli.ParseAction(line)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return false
	}
	if !ok {
		return false
	}

	var (
		rep   coordinator.Report
		opErr error
	)
	switch action {
	case cli.ActionPrepare:
		rep, opErr = c.coord.Prepare(ctx)
	case cli.ActionStart:
		rep, opErr = c.coord.Start(ctx)
	case cli.ActionStop:
		rep, opErr = c.coord.Stop(ctx)
	case cli.ActionStatus:
		fmt.Fprintln(c.out, cli.RenderStatus(c.status()))
		return false
	case cli.ActionHelp:
		fmt.Fprintln(c.out, cli.ConsoleHelp)
		return false
	case cli.ActionQuit:
		return true
	}

	if len(rep.Results) > 0 {
		fmt.Fprintln(c.out, cli.RenderReport(rep))
	}
	if opErr != nil {
		fmt.Fprintln(c.out, "master:", opErr)
	}
	return false
}

// stopIfActive ends a running capture on the way out so agents do not keep
// recording after the console exits.
func (c *console) stopIfActive() {
	switch c.status().State {
	case session.Prepared, session.Collecting:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := c.coord.Stop(ctx)
	if err != nil {
		c.logger.Warn("failed to stop master session on exit", "error", err)
	}
	c.logger.Info("stopped capture on exit", "agents", len(rep.Results), "failed", rep.Failed())
}
