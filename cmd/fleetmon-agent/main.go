package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/playok/fleetmon/internal/agent"
	"github.com/playok/fleetmon/internal/config"
	"github.com/playok/fleetmon/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fleetmon-agent",
		Short:        "Report this machine and its usage to a fleetmon server",
		SilenceUsage: true,
	}
	config.BindAgentFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Register, then report usage every interval",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
					return a.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Register and send a single sample",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
					return a.Once(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fleetmon-agent %s\n", version)
			},
		},
	)
	return root
}

func withAgent(cmd *cobra.Command, fn func(context.Context, *agent.Agent) error) error {
	cfg, err := config.LoadAgent(cmd.Flags())
	if err != nil {
		return err
	}
	log, flush, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAgent(cfg, log)
	log.Info("fleetmon-agent starting", "version", version, "server", cfg.Server, "interval", cfg.Interval)
	return fn(ctx, a)
}

func newAgent(cfg *config.AgentConfig, log logr.Logger) *agent.Agent {
	var vms agent.VMLister
	if cfg.LibvirtURI != "" {
		vms = agent.NewLibvirtLister(cfg.LibvirtURI)
	}
	src := agent.NewHostSource(cfg.Hostname, vms, log)
	return agent.New(src, agent.NewClient(cfg.Server, cfg.Timeout), cfg.Interval, log)
}
