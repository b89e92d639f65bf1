package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/cloud/aws"
	"github.com/edvin/vmcache/internal/cloud/fake"
	"github.com/edvin/vmcache/internal/config"
	"github.com/edvin/vmcache/internal/db"
	"github.com/edvin/vmcache/internal/logging"
	"github.com/edvin/vmcache/internal/preload"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/sidecar"
	"github.com/edvin/vmcache/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("preload-helper"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg).With().Str("service", "preload-helper").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabasePath, cfg.BusyTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer conn.Close()

	// The daemon owns the schema; running the migrations here only matters
	// when the helper is started first.
	if _, err := db.RunMigrations(ctx, conn); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	key, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid secret sealing key")
	}
	opts := []store.Option{store.WithLogger(logger), store.WithDefaultRegion(cfg.DefaultRegion)}
	if key != nil {
		opts = append(opts, store.WithSealingKey(key))
	}
	st := store.New(conn, opts...)

	var factory cloud.Factory = aws.NewFactory()
	if cfg.Provider == "fake" {
		factory = fake.Factory(fake.NewSeeded(), false)
	}
	syncer := reconcile.NewSyncer(st, factory, logger)
	orchestrator := preload.New(st, factory, syncer, logger, preload.WithWorkers(cfg.PreloadWorkers))

	httpServer := &http.Server{
		Addr:        cfg.SidecarAddr,
		Handler:     sidecar.NewServer(logger, orchestrator),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.SidecarAddr).Msg("starting preload helper")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down preload helper")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
