package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/e7canasta/orion-scan/internal/app"
)

const defaultConfigPath = "config/scand.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger; config can still raise the level
	var level slog.LevelVar
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting orion scan service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	scanner, err := app.New(*configPath, logger)
	if err != nil {
		slog.Error("failed to create scan service", "error", err)
		os.Exit(1)
	}
	if scanner.Config().Debug {
		level.Set(slog.LevelDebug)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- scanner.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr == nil {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	}

	// Graceful shutdown
	shutdownTimeout := scanner.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := scanner.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("orion scan service stopped successfully")
}
