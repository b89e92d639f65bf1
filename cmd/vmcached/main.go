package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/api"
	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/cloud/aws"
	"github.com/edvin/vmcache/internal/cloud/fake"
	"github.com/edvin/vmcache/internal/config"
	"github.com/edvin/vmcache/internal/core"
	"github.com/edvin/vmcache/internal/db"
	"github.com/edvin/vmcache/internal/events"
	"github.com/edvin/vmcache/internal/logging"
	"github.com/edvin/vmcache/internal/metrics"
	"github.com/edvin/vmcache/internal/preload"
	"github.com/edvin/vmcache/internal/reconcile"
	"github.com/edvin/vmcache/internal/store"
	"github.com/edvin/vmcache/internal/task"
	"github.com/edvin/vmcache/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("vmcached"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, st := openStore(ctx, cfg, logger)
	defer conn.Close()
	metrics.RegisterSQLPoolMetrics(prometheus.DefaultRegisterer, conn)

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, cfg.ServiceName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		pub = nats
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing transition events")
	}
	defer pub.Close()

	factory := newFactory(cfg, logger)
	syncer := reconcile.NewSyncer(st, factory, logger)
	tr := tracker.New(st, syncer, pub, logger, tracker.Config{PollInterval: cfg.TransientPollInterval})

	preloadOpts := []preload.Option{preload.WithWorkers(cfg.PreloadWorkers)}
	if cfg.PreloadMode == config.PreloadSidecar {
		launcher := preload.NewExecLauncher(ctx, cfg.SidecarBinary, nil, logger)
		sidecar := preload.NewSidecar(preload.SidecarConfig{
			Addr:         cfg.SidecarAddr,
			ReadyTimeout: cfg.SidecarReadyTimeout,
		}, launcher, logger)
		preloadOpts = append(preloadOpts, preload.WithDelegate(sidecar))
		logger.Info().Str("addr", cfg.SidecarAddr).Msg("preload delegated to helper")
	}
	pre := preload.New(st, factory, syncer, logger, preloadOpts...)

	runner := task.NewRunner(ctx, logger)
	mgr := core.New(st, syncer, tr, pre, runner, logger, core.Config{
		ResyncInterval:       cfg.ResyncInterval,
		LocalRefreshInterval: cfg.LocalRefreshInterval,
		PreloadOnStart:       cfg.PreloadOnStart,
	})
	mgr.Run(ctx)

	srv := api.NewServer(logger, mgr)
	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting vmcached API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsListenAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsListenAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	servers := []*http.Server{httpServer}
	if metricsServer != nil {
		servers = append(servers, metricsServer)
	}
	if err := shutdownServers(cfg.ShutdownGrace, servers...); err != nil {
		logger.Warn().Err(err).Dur("grace", cfg.ShutdownGrace).Msg("http shutdown did not finish")
	}

	mgr.Close()
	if abandoned := runner.Shutdown(cfg.ShutdownGrace); len(abandoned) > 0 {
		logger.Warn().Strs("tasks", abandoned).Msg("tasks still running at shutdown")
	}
	cancel()
}

// shutdownServers drains the servers, sharing one grace period.
func shutdownServers(grace time.Duration, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, *store.Store) {
	conn, err := db.Open(ctx, cfg.DatabasePath, cfg.BusyTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open cache database")
	}

	version, err := db.RunMigrations(ctx, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Str("path", cfg.DatabasePath).Int64("schema_version", version).Msg("cache database ready")

	opts := []store.Option{store.WithLogger(logger), store.WithDefaultRegion(cfg.DefaultRegion)}
	key, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid secret sealing key")
	}
	if key != nil {
		opts = append(opts, store.WithSealingKey(key))
	}

	st := store.New(conn, opts...)
	if err := st.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize settings")
	}
	return conn, st
}

func newFactory(cfg *config.Config, logger zerolog.Logger) cloud.Factory {
	if cfg.Provider == "fake" {
		logger.Warn().Msg("using the in-memory fake provider")
		return fake.Factory(fake.NewSeeded(fake.WithBootDelay(3*time.Second)), false)
	}
	return aws.NewFactory()
}
