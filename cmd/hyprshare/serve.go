package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyprshare/hyprshare/internal/config"
	"github.com/hyprshare/hyprshare/internal/logger"
	"github.com/hyprshare/hyprshare/internal/relay"
)

func serveCmd() *cobra.Command {
	var hostFlag string
	var portFlag int
	var reloadFlag bool
	var configFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hyprshare relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			host := hostFlag
			if !cmd.Flags().Changed("host") && cfg.Server.Host != "" {
				host = cfg.Server.Host
			}
			port := portFlag
			if !cmd.Flags().Changed("port") && cfg.Server.Port != 0 {
				port = cfg.Server.Port
			}

			pages := &relay.Pages{}
			if reloadFlag {
				pages.DevDir = "web"
				fmt.Println("dev mode: pages reload from disk")
			}

			srv := relay.NewServer(relay.NewRegistry(), pages, cfg.Server.AssetsDir)
			httpSrv := &http.Server{
				Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
				Handler: srv,
			}

			printServerBanner(port)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", httpSrv.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&hostFlag, "host", "0.0.0.0", "bind address")
	cmd.Flags().IntVar(&portFlag, "port", 8000, "bind port")
	cmd.Flags().BoolVar(&reloadFlag, "reload", false, "dev mode: reload pages from disk on each request")
	cmd.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.config/hyprshare/config.yaml)")

	return cmd
}

func printServerBanner(port int) {
	ip := localIP()
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║            ⚡  HyprShare                             ║
╠══════════════════════════════════════════════════════╣
║  Dashboard   →  http://localhost:%d
║
║  Share a terminal from any machine:
║  curl -sSf http://%s:%d/get | sh -s run
╚══════════════════════════════════════════════════════╝

`, port, ip, port)
}

// localIP finds a best-effort LAN address for the banner. The UDP dial
// never sends a packet; it only asks the kernel for a route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "localhost"
}
