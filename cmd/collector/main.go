// Package main is the collector process entry point: it wires the
// Workload Store, Node Registry, Remote Node Client, dead-letter sink, and
// every statically declared group into a Collector, then runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ace-collector/internal/adapter/cache/nodecache"
	"github.com/fairyhunter13/ace-collector/internal/adapter/deadletter"
	"github.com/fairyhunter13/ace-collector/internal/adapter/httpserver"
	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/adapter/remotenode"
	"github.com/fairyhunter13/ace-collector/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ace-collector/internal/config"
	"github.com/fairyhunter13/ace-collector/internal/dispatch"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	poolCfg := postgres.PoolConfig{MaxConns: cfg.DBMaxConns, MaxConnIdleTime: cfg.DBMaxConnIdleTime}

	workloadPool, err := postgres.NewPool(ctx, cfg.WorkloadDBURL, poolCfg)
	if err != nil {
		slog.Error("workload database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer workloadPool.Close()

	registryPool := workloadPool
	if cfg.RegistryDBURL != cfg.WorkloadDBURL {
		registryPool, err = postgres.NewPool(ctx, cfg.RegistryDBURL, poolCfg)
		if err != nil {
			slog.Error("registry database connection failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer registryPool.Close()
	}

	retry := cfg.StoreRetryConfig()
	workloadStore := postgres.NewWorkloadStore(workloadPool, retry)

	groupDecls, err := config.LoadGroups(cfg.GroupsConfigPath)
	if err != nil {
		slog.Error("groups config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	var nodeCache *redis.Client
	if cfg.NodeCacheRedisURL != "" {
		opts, err := redis.ParseURL(cfg.NodeCacheRedisURL)
		if err != nil {
			slog.Error("node cache redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		nodeCache = redis.NewClient(opts)
	}

	// One NodeRegistry per distinct database name a group declares, so two
	// groups configured with different `database` values genuinely query
	// different backends (SPEC_FULL.md §4.3), not the same shared pool. A
	// database name absent from RegistryDatabaseURLs falls back to
	// RegistryDBURL/registryPool, covering the common single-backend case
	// without extra configuration.
	registries := make(map[string]domain.NodeRegistry)
	poolsByDSN := map[string]*pgxpool.Pool{cfg.RegistryDBURL: registryPool}
	for _, g := range groupDecls {
		dsn, pinned := cfg.RegistryDatabaseURLs[g.Database]
		if !pinned {
			dsn = cfg.RegistryDBURL
		}
		pool, ok := poolsByDSN[dsn]
		if !ok {
			pool, err = postgres.NewPool(ctx, dsn, poolCfg)
			if err != nil {
				slog.Error("registry database connection failed", slog.String("database", g.Database), slog.Any("error", err))
				os.Exit(1)
			}
			defer pool.Close()
			poolsByDSN[dsn] = pool
		}
		var reg domain.NodeRegistry = postgres.NewNodeRegistry(pool, retry)
		if nodeCache != nil {
			reg = nodecache.New(reg, nodeCache, cfg.NodeCacheTTL)
		}
		registries[g.Database] = reg
	}

	client, err := remotenode.New(cfg.SSLCAChainPath, 30*time.Second, 5, 30*time.Second)
	if err != nil {
		slog.Error("remote node client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	kafkaClient, err := deadletter.NewKafkaClient(cfg.DeadLetterKafkaBrokers)
	if err != nil {
		slog.Error("dead letter kafka client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if kafkaClient != nil {
		defer kafkaClient.Close()
	}
	deadLetterSink := deadletter.New(workloadStore, kafkaClient, cfg.DeadLetterTopic)

	collector := dispatch.NewCollector(dispatch.Deps{
		WorkloadStore: workloadStore,
		GroupStore:    workloadStore,
		Registries:    registries,
		Client:        client,
		DeadLetter:    deadLetterSink,
		Heartbeat:     cfg.NodeStatusUpdateFrequency,
		Tenant:        cfg.CompanyID,
	}, noSubmissionSource)

	for _, g := range groupDecls {
		if _, err := collector.AddGroup(ctx, g.Name, g.Coverage, g.FullDelivery, g.Database, g.BatchSize); err != nil {
			slog.Error("add group failed", slog.String("group", g.Name), slog.Any("error", err))
			os.Exit(1)
		}
	}

	retentionService := postgres.NewDeadLetterRetentionService(postgres.PoolBeginner{Pool: workloadPool}, int(cfg.DeadLetterRetention/(24*time.Hour)))
	retentionCtx, cancelRetention := context.WithCancel(ctx)
	defer cancelRetention()
	go retentionService.RunPeriodic(retentionCtx, cfg.CleanupInterval)

	srv := httpserver.NewServer(workloadPool.Ping, registryPool.Ping, collector)
	adminServer := &http.Server{
		Addr:         cfg.AdminHTTPAddr,
		Handler:      httpserver.BuildRouter(srv, cfg.CORSAllowOrigins, cfg.RateLimitPerMin),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server error", slog.Any("error", err))
		}
	}()

	// A dedicated, unauthenticated listener for Prometheus scraping, kept
	// separate from the admin surface so a scrape target never shares a
	// port (and rate limit budget) with operational endpoints.
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: srv.MetricsHandler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics http server error", slog.Any("error", err))
		}
	}()

	if err := collector.Start(ctx); err != nil {
		slog.Error("collector start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("collector started", slog.Int("groups", len(groupDecls)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	collector.Stop()
	collector.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http server shutdown error", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics http server shutdown error", slog.Any("error", err))
	}
	slog.Info("collector stopped")
}

// noSubmissionSource is the default producer when no inbound source is
// wired: it blocks until ctx is canceled and then returns a nil submission
// with the context's error, so the producer loop stays parked until shutdown.
func noSubmissionSource(ctx context.Context) (*domain.Submission, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
