package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AfshinJalili/withdrawal-ranges/libs/auth"
	"github.com/AfshinJalili/withdrawal-ranges/libs/health"
	"github.com/AfshinJalili/withdrawal-ranges/libs/httpmiddleware"
	"github.com/AfshinJalili/withdrawal-ranges/libs/kafka"
	"github.com/AfshinJalili/withdrawal-ranges/libs/logging"
	"github.com/AfshinJalili/withdrawal-ranges/libs/metrics"
	"github.com/AfshinJalili/withdrawal-ranges/libs/trace"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/cache"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/config"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/events"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/handlers"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/importer"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/ratelimit"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/storage"
)

type table struct {
	def    rangetable.Definition
	repo   rangetable.Repository
	cache  *cache.RangeCache
	engine *rangetable.Engine
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	instanceID := fmt.Sprintf("%s-%s", cfg.App.ServiceName, uuid.NewString()[:8])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := trace.InitTracer(ctx, cfg.App.ServiceName, cfg.App.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	rangeMetrics := rangetable.NewMetrics(registry)
	ready := health.NewManager(false)

	repos, closeStore, err := buildRepositories(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	producer, err := buildProducer(cfg, registry, instanceID, logger)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	var notifier rangetable.Notifier
	if producer != nil {
		defer func() {
			_ = producer.Close()
		}()
		var publisher kafka.Publisher = producer
		if cfg.Kafka.DLQTopic != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger)
		}
		notifier = events.NewPublisher(publisher, cfg.Kafka.Topic, instanceID, logger)
	}

	tables := make([]table, 0, len(repos))
	for _, def := range rangetable.Definitions() {
		t := table{def: def, repo: repos[def.Table], cache: cache.NewRangeCache()}
		t.engine = rangetable.NewEngine(def, t.repo, t.cache, notifier, logger, rangeMetrics)
		if err := t.engine.RefreshCache(ctx); err != nil {
			logger.Warn("initial cache load failed", "table", def.Name, "error", err)
		}
		if cfg.Cache.RefreshInterval > 0 {
			t.cache.StartAutoRefresh(ctx, t.repo, cfg.Cache.RefreshInterval, rangeMetrics.RefreshMetrics(def.Name), logger.With("table", def.Name))
		}
		tables = append(tables, t)
	}

	consumer, err := startInvalidator(ctx, cfg, tables, producer, instanceID, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	if consumer != nil {
		defer func() {
			_ = consumer.Close()
		}()
	}

	limit, closeLimiter, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLimiter()
	}()

	guard := auth.Guard([]byte(cfg.AdminJWTSecret), "admin")
	if guard == nil {
		logger.Warn("admin_jwt_secret not set, mutating routes are unauthenticated")
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, "/healthz", "/readyz", cfg.App.MetricsPath))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	health.Register(router, ready)
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	for _, t := range tables {
		h := handlers.New(t.def, t.engine, importer.New(t.def.Columns), cfg.Upload.MaxBytes, logger)
		var lookupLimit []gin.HandlerFunc
		if limit != nil {
			lookupLimit = append(lookupLimit, ratelimit.Middleware(limit, t.def.Name, logger))
		}
		h.Register(router, guard, lookupLimit...)
	}

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer, err := startGRPCHealth(cfg, ready, logger)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("ranges service starting", "addr", addr, "storage", cfg.Storage.Driver, "instance", instanceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()
	ready.SetReady(true)

	waitForShutdown(server, grpcServer, ready, cancel, cfg.App.HTTP.ShutdownTimeout, logger)
}

// startGRPCHealth serves grpc.health.v1 for orchestrators that probe over
// gRPC. It returns nil when disabled.
func startGRPCHealth(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (*grpc.Server, error) {
	if !cfg.GRPC.Enabled {
		return nil, nil
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	ready.AttachGRPC(healthServer)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, err
	}

	go func() {
		logger.Info("ranges grpc health starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	return grpcServer, nil
}

func buildRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]rangetable.Repository, func(), error) {
	repos := make(map[string]rangetable.Repository)
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		for _, def := range rangetable.Definitions() {
			repos[def.Table] = rangetable.NewMemoryRepository()
		}
		return repos, func() {}, nil
	}
	if cfg.Storage.Driver == config.DriverMySQL {
		return buildMySQLRepositories(ctx, cfg)
	}

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	if cfg.Storage.Migrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	for _, def := range rangetable.Definitions() {
		repos[def.Table] = storage.NewTable(pool, def.Table)
	}
	return repos, pool.Close, nil
}

func buildMySQLRepositories(ctx context.Context, cfg *config.Config) (map[string]rangetable.Repository, func(), error) {
	db, err := storage.OpenMySQL(cfg.Storage.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("connect mysql: %w", err)
	}

	defs := rangetable.Definitions()
	if cfg.Storage.Migrate {
		names := make([]string, 0, len(defs))
		for _, def := range defs {
			names = append(names, def.Table)
		}
		if err := storage.MigrateMySQL(ctx, db, names...); err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
	}

	repos := make(map[string]rangetable.Repository, len(defs))
	for _, def := range defs {
		repos[def.Table] = storage.NewGormTable(db, def.Table)
	}
	return repos, func() { _ = sqlDB.Close() }, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func buildProducer(cfg *config.Config, registry *prometheus.Registry, instanceID string, logger *slog.Logger) (*kafka.SyncProducer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	return kafka.NewSyncProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, ClientID: instanceID}, logger, kafka.NewProducerMetrics(registry))
}

// startInvalidator joins a consumer group unique to this instance so every
// instance sees every change event.
func startInvalidator(ctx context.Context, cfg *config.Config, tables []table, producer *kafka.SyncProducer, instanceID string, logger *slog.Logger) (*kafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}

	refreshers := make(map[string]events.Refresher, len(tables))
	for _, t := range tables {
		refreshers[t.def.Name] = t.engine
	}

	opts := kafka.ConsumerOptions{DLQTopic: cfg.Kafka.DLQTopic}
	if producer != nil && cfg.Kafka.DLQTopic != "" {
		opts.DLQPublisher = producer
	}

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"."+instanceID, logger, opts)
	if err != nil {
		return nil, err
	}

	invalidator := events.NewCacheInvalidator(refreshers, instanceID, logger)
	go func() {
		if err := consumer.Consume(ctx, []string{cfg.Kafka.Topic}, invalidator); err != nil && ctx.Err() == nil {
			logger.Error("range event consumer stopped", "error", err)
		}
	}()
	return consumer, nil
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func() error, error) {
	noop := func() error { return nil }
	if !cfg.RateLimit.Enabled {
		return nil, noop, nil
	}

	if cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.Env == "dev" || cfg.App.Env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), noop, nil
			}
			return nil, nil, err
		}

		return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, ""), client.Close, nil
	}

	return ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), noop, nil
}

func waitForShutdown(server *http.Server, grpcServer *grpc.Server, ready *health.Manager, cancel context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	if grpcServer != nil {
		grpcDone := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(grpcDone)
		}()
		select {
		case <-grpcDone:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
