// chatdev-server is the workflow execution server: it serves the REST and
// WebSocket API for running, editing and batch-executing workflow graphs.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpenBMB/ChatDev-sub003/internal/config"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:          "chatdev-server",
		Short:        "Workflow execution server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			logging.Configure(cfg.LogLevel, cfg.ServerLogFile)

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "bind address")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "bind port")
	return cmd
}
