// Package main is the entry point for the FileGate file-storage gateway server.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/filegate/filegate/internal/config"
	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/logging"
	"github.com/filegate/filegate/internal/metadata"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/namespace"
	"github.com/filegate/filegate/internal/resumable"
	"github.com/filegate/filegate/internal/server"
	"github.com/filegate/filegate/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8090)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
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
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Crash-only design: every startup is recovery. SQLite WAL auto-recovers
	// on open, local backends clean orphan temp files on resolve, and the
	// resumable sweep reaps whatever a previous process left behind.
	idx, err := openIndex(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	store := storage.NewStore()
	storage.DefaultTypes(store)
	defer store.Close()

	ctx := context.Background()
	if err := seedFromConfig(ctx, idx, store, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed configuration: %v\n", err)
		os.Exit(1)
	}

	ns := namespace.New(idx, store)

	engine, err := resumable.NewEngine(resumable.Config{
		MaxTotalSize:  cfg.Resumable.MaxTotalSize,
		Dir:           cfg.Resumable.ChunkDir,
		SessionTTL:    cfg.Resumable.SessionTTLDuration(),
		SweepInterval: cfg.Resumable.SweepIntervalDuration(),
	}, ns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize resumable engine: %v\n", err)
		os.Exit(1)
	}

	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go engine.Run(gcCtx)

	srv := server.New(ns, engine, server.Options{MaxUploadSize: cfg.Server.MaxUploadSize})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FileGate listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections, wait for in-flight requests
	// with a timeout, then exit. No cleanup beyond that -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openIndex constructs the metadata index named by the config.
func openIndex(cfg *config.Config) (metadata.Index, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		return metadata.NewMemoryIndex(), nil
	case "sqlite":
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		return metadata.NewSQLiteIndex(dbPath)
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}

// seedFromConfig upserts the configured providers and namespaces into the
// index. Idempotent; runs on every startup as part of crash-only recovery.
func seedFromConfig(ctx context.Context, idx metadata.Index, store *storage.Store, cfg *config.Config) error {
	for _, p := range cfg.Providers {
		rec := &metadata.ProviderRecord{
			ID:        p.ID,
			Type:      p.Type,
			Name:      p.Name,
			Params:    p.Params,
			Buckets:   p.Buckets,
			CreatedAt: time.Now().UTC(),
		}
		if err := idx.PutProvider(ctx, rec); err != nil {
			return fmt.Errorf("seeding provider %q: %w", p.ID, err)
		}

		// Resolve eagerly so misconfigured backends fail at startup, not on
		// the first upload.
		spec := storage.ProviderSpec{ID: p.ID, Type: p.Type, Name: p.Name, Params: p.Params, Buckets: p.Buckets}
		if _, err := store.Resolve(ctx, spec); err != nil {
			return fmt.Errorf("resolving provider %q: %w", p.ID, err)
		}
		slog.Info("Provider ready", "id", p.ID, "type", p.Type)
	}

	for _, n := range cfg.Namespaces {
		rec := &metadata.NamespaceRecord{
			Name:       n.Name,
			ProviderID: n.Provider,
			BucketName: n.Bucket,
			IsPublic:   n.Public,
			CreatedAt:  time.Now().UTC(),
		}
		err := idx.CreateNamespace(ctx, rec)
		if errors.Is(err, fgerr.ErrNamespaceExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding namespace %q: %w", n.Name, err)
		}
		slog.Info("Namespace created", "name", n.Name, "provider", n.Provider, "bucket", n.Bucket)
	}
	return nil
}
