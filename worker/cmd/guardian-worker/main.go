// Command guardian-worker is the guardian worker-node binary.
// It discovers the coordinator on the LAN (or dials a configured address),
// registers with a hazard specialty, and serves inference tasks from a
// local sidecar until stopped.
//
// Usage:
//
//	guardian-worker start --config /etc/guardian/worker.yaml
//	guardian-worker validate --config /etc/guardian/worker.yaml
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

	"github.com/evacnet/guardian-worker/internal/config"
	"github.com/evacnet/guardian-worker/internal/detector"
	"github.com/evacnet/guardian-worker/internal/transport"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "guardian-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: guardian-worker <start|validate> [--config <path>]")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "start":
		return cmdStart(rest)
	case "validate":
		return cmdValidate(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use start, validate, or version", sub)
	}
}

func cmdStart(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := transport.NewMetrics()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{
			Addr:        cfg.Metrics.Address,
			Handler:     mux,
			ReadTimeout: 5 * time.Second,
		}
		go func() {
			// A dead metrics endpoint must not take the worker down.
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed",
					slog.String("addr", cfg.Metrics.Address),
					slog.String("error", err.Error()),
				)
			}
		}()
		logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Address))
	}

	client := transport.New(cfg, detector.New(cfg.Detector), logger, transport.WithMetrics(m))

	logger.Info("guardian worker starting",
		slog.String("version", Version),
		slog.String("worker_id", cfg.WorkerID),
		slog.String("specialty", cfg.Specialty),
		slog.String("sidecar", cfg.Detector.Endpoint),
	)

	runErr := client.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			_ = metricsSrv.Close()
		}
		cancel()
	}

	logger.Info("guardian worker exited cleanly")
	return runErr
}

func cmdValidate(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	fmt.Printf("configuration is valid (worker: %s, specialty: %s, sidecar: %s)\n",
		cfg.WorkerID, cfg.Specialty, cfg.Detector.Endpoint)
	return nil
}

// parseFlags loads the worker configuration. Omitting --config runs with
// defaults: coordinator discovery on the standard port and the sidecar on
// localhost.
func parseFlags(args []string) (*config.WorkerConfig, error) {
	fs := flag.NewFlagSet("guardian-worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (defaults apply when omitted)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configPath == "" {
		return config.Default()
	}
	return config.ParseFile(*configPath)
}

// newLogger builds the process-wide structured logger. Logs are JSON on
// stderr so stdout stays clean for subcommand output.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
