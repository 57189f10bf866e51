package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamsync/internal/config"
	"github.com/audiolibrelab/jamsync/internal/metrics"
	"github.com/audiolibrelab/jamsync/internal/server"
	"github.com/audiolibrelab/jamsync/internal/service"
	"github.com/audiolibrelab/jamsync/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session coordination server",
	Long: `Start the JamSync HTTP server. Hosts create sessions, guests upload
their recordings and hosts follow progress over a Server-Sent Events stream.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetString("port")
		}
		if cmd.Flags().Changed("address") {
			cfg.Server.Address, _ = cmd.Flags().GetString("address")
		}

		shutdownTracing, err := tracing.Setup(cmd.Context(), cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("Failed to flush traces", "error", err)
			}
		}()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.NewMetrics(reg)

		svc, err := service.New(cfg, m)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		srv := server.New(svc, m, reg)

		// Only the log level is applied live; everything else needs a restart.
		cfgLoader.Watch(func(updated *config.Config) {
			applyLogLevel(updated.Log.Level)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go svc.Run(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		slog.Info("JamSync server starting", "port", cfg.Server.Port, "config", cfgLoader.File())

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		slog.Info("JamSync server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server (overrides config)")
	serveCmd.Flags().String("address", "", "listen address (overrides config)")
}
