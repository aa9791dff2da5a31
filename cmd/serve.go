package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/observe"
	"github.com/audiolibrelab/voicecapture/internal/server"
	"github.com/audiolibrelab/voicecapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the voicecapture web server to drive enrollment and challenge
capture over HTTP. Session changes are streamed on a websocket and
Prometheus metrics are served on /metrics.

The server will display the local network URL for easy access from other
devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				slog.Warn("Failed to shut down metrics provider", "error", err)
			}
		}()

		svc := service.New(cfg, service.Options{Metrics: provider.Metrics})
		defer svc.Close()

		profilesFile := configPath()
		if _, err := os.Stat(profilesFile); err != nil {
			profilesFile = ""
		}
		srv := server.New(svc, port, server.Options{
			ConfigFile:     profilesFile,
			Metrics:        provider.Metrics,
			MetricsHandler: provider.Handler,
		})

		slog.Info("voicecapture web server starting", "port", port, "config", configPath(), "profile", cfg.Profile)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (default from config)")
}
