package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run enabled pipelines on their cron schedules and serve the HTTP API",
		Long: `Starts the built-in scheduler, which invokes each enabled pipeline on its cron
schedule, and an HTTP server exposing /healthz, /metrics, /api/pipelines and
/api/items. While serve holds the store, the other commands forward to this API.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "Server port (overrides config)")
	cmd.Flags().String("host", "", "Server host (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				serverErr <- fmt.Errorf("server goroutine panicked: %v", r)
			}
		}()
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Int("scheduled", len(application.SchedulerService.GetAllJobStatuses())).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
