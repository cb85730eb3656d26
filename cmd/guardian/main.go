// Command guardian is the central hazard-detection coordinator binary. It
// loads a YAML configuration file, opens the persistence backend and the
// incident audit trail, starts the serial sensor link, the worker-fleet
// listener with its discovery beacon, the vision pipeline, and the control
// engine, serves the dashboard REST API and telemetry WebSocket over HTTP,
// and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evacnet/guardian/internal/config"
	"github.com/evacnet/guardian/internal/coordinator"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "guardian.yaml", "path to the YAML configuration file")
		logLevel    = flag.String("log-level", "", "override the configured log level (debug | info | warn | error)")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("guardian %s\n", version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "guardian: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("guardian coordinator starting",
		slog.String("version", version),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("fleet_tcp_port", cfg.Fleet.TCPPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := coordinator.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("coordinator setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := coord.Start(); err != nil {
		logger.Error("coordinator start failed", slog.Any("error", err))
		coord.Stop()
		os.Exit(1)
	}

	// The pairing code is generated per process; operators read it off the
	// log to link a dashboard.
	logger.Info("dashboard pairing code issued", slog.String("access_code", coord.AccessCode()))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      coord.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // MJPEG relay and WebSocket hold the response open
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			// Bind failures land here moments after startup.
			logger.Error("HTTP server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	// The API surface goes first so no request observes a half-stopped
	// coordinator; WebSocket and MJPEG streams are severed by Shutdown's
	// context deadline.
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
		_ = httpServer.Close()
	}

	coord.Stop()

	logger.Info("guardian coordinator exited cleanly")
	os.Exit(exitCode)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
