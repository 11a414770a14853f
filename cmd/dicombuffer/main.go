// Package main is the entry point for the DICOM buffer service.
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

	"golang.org/x/sync/errgroup"

	"github.com/dicombuffer/dicombuffer/internal/buffer"
	"github.com/dicombuffer/dicombuffer/internal/config"
	"github.com/dicombuffer/dicombuffer/internal/export"
	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/logging"
	"github.com/dicombuffer/dicombuffer/internal/metrics"
	"github.com/dicombuffer/dicombuffer/internal/server"
	"github.com/dicombuffer/dicombuffer/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	exportURL := flag.String("export-url", "", "override import service URL (default: from config)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *exportURL != "" {
		cfg.Export.URL = *exportURL
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	if err := run(cfg); err != nil {
		slog.Error("dicombuffer stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires the buffer and serves until SIGINT or SIGTERM. Every startup is
// recovery: the index engine recovers on open and interrupted writes are
// swept from the store's temp directory.
func run(cfg *config.Config) error {
	idx, err := index.Open(cfg.Buffer.Engine, cfg.Buffer.IndexDir)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	slog.Info("Index opened", "engine", cfg.Buffer.Engine, "dir", cfg.Buffer.IndexDir)

	files, err := storage.NewLocalBackend(cfg.Buffer.StoreDir)
	if err != nil {
		idx.Close()
		return fmt.Errorf("initializing store: %w", err)
	}
	if err := files.CleanTempFiles(); err != nil {
		slog.Warn("Failed to clean temp files", "error", err)
	}
	slog.Info("Store initialized", "root", files.Root())

	opts := buffer.Options{Extension: cfg.Buffer.Extension}
	if cfg.Buffer.QuarantineDir != "" {
		q, err := storage.NewDirQuarantine(cfg.Buffer.QuarantineDir)
		if err != nil {
			idx.Close()
			return fmt.Errorf("initializing quarantine: %w", err)
		}
		opts.Quarantine = q
	}
	engine := buffer.New(idx, files, opts)
	defer engine.Close()

	var transport export.Transport
	if cfg.Export.URL != "" {
		client, err := export.NewClient(export.ClientConfig{
			URL:            cfg.Export.URL,
			APIKey:         cfg.Export.APIKey,
			ConnectTimeout: cfg.Export.ConnectTimeout,
			ReadTimeout:    cfg.Export.ReadTimeout,
			TokenRetries:   cfg.Export.TokenRetries,
		})
		if err != nil {
			return err
		}
		transport = client
	}
	coordinator := export.NewCoordinator(engine, transport, export.Options{
		StartupDelay: cfg.Export.StartupDelay,
		PollInterval: cfg.Export.PollInterval,
	})

	srv, err := server.New(cfg, engine,
		server.WithExporter(coordinator),
		server.WithSpoolDir(files.TempDir()))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("dicombuffer listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("dicombuffer stopped")
	return err
}
