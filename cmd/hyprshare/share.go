package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/hyprshare/hyprshare/internal/agent"
	"github.com/hyprshare/hyprshare/internal/config"
)

func shareCmd() *cobra.Command {
	var serverFlag string
	var noReconnectFlag bool
	var configFlag string

	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share this machine's shell through a hyprshare server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}

			serverURL := serverFlag
			if serverURL == "" {
				serverURL = cfg.Agent.Server
			}
			if serverURL == "" {
				return fmt.Errorf("--server is required (e.g. --server http://192.168.1.20:8000)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return agent.Run(ctx, agent.Options{
				ServerURL: serverURL,
				Shell:     cfg.Agent.Shell,
				Reconnect: !noReconnectFlag,
			})
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "hyprshare server URL, e.g. http://192.168.1.20:8000")
	cmd.Flags().BoolVar(&noReconnectFlag, "no-reconnect", false, "exit on disconnect instead of retrying")
	cmd.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.config/hyprshare/config.yaml)")

	return cmd
}
