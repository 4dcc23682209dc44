// Package main provides the HTTP API server for unipipe.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/metrics"
	"github.com/raphaelgruber/unipipe/internal/pipeline"
	"github.com/raphaelgruber/unipipe/internal/server"
)

func main() {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Initialize logging
	logger, logCleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = logCleanup() }()
	slog.SetDefault(logger)

	logger.Info("starting unipipe-server", "addr", cfg.ServerAddr)

	// Connect to the database
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Wipe database if requested (via flag or env var)
	if *wipeDB || os.Getenv("UNIPIPE_WIPE_DB") == "true" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := dbClient.WipeData(ctx); err != nil {
			cancel()
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
		cancel()
	}

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = dbClient.InitSchema(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// Checkpoints stuck in "running" from a crashed process block new runs
	// until reconciled.
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := dbClient.QueryRecoverAbandonedRuns(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to recover abandoned runs", "error", err)
		os.Exit(1)
	}
	for _, cp := range recovered {
		logger.Warn("recovered abandoned run", "source", cp.SourceType)
	}

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Error("failed to load sources", "error", err, "file", cfg.SourcesFile)
		os.Exit(1)
	}

	var resolver identity.Chain
	if len(sources.CanonicalAliases) > 0 {
		resolver = append(resolver, identity.NewVocabulary(sources.CanonicalAliases))
	}
	resolver = append(resolver, identity.TitleSlug{})

	collector := metrics.NewCollector()
	manager := pipeline.NewManager(dbClient, sources, resolver, logger, collector)
	srv := server.New(dbClient, manager, collector, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous pipeline runs can be slow
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("api available", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Let in-flight background runs land their checkpoints.
	manager.Wait()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
