package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "hyprshare",
		Short: "hyprshare: self-hosted terminal sharing",
		Long:  "Share a terminal over the web: run the relay with `serve`, share this machine's shell with `share`.",
	}

	root.AddCommand(
		serveCmd(),
		shareCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
