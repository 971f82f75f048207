package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/playok/fleetmon/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetmon",
		Short: "Fleet machine registry and usage history server",
		Example: `  fleetmon start
  fleetmon start --config /etc/fleetmon/config.yaml
  fleetmon stop
  fleetmon status
  fleetmon run
  fleetmon nginx`,
		SilenceUsage: true,
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start daemon (background)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cmd.Flags())
				if err != nil {
					return err
				}
				return startDaemon(cfg)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop daemon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cmd.Flags())
				if err != nil {
					return err
				}
				return stopDaemon(cfg)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cmd.Flags())
				if err != nil {
					return err
				}
				return daemonStatus(cfg)
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run in foreground",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cmd.Flags())
				if err != nil {
					return err
				}
				ctx, stop := signalContext()
				defer stop()
				return runServer(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "nginx",
			Short: "Print sample nginx reverse proxy configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cmd.Flags())
				if err != nil {
					return err
				}
				printNginx(cmd.OutOrStdout(), cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fleetmon %s\n", version)
			},
		},
	)
	return root
}
