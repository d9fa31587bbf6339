package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/api200/gateway/internal/api"
	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/config"
	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/gateway"
	"github.com/api200/gateway/internal/incident"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/middleware"
	"github.com/api200/gateway/internal/notify"
	"github.com/api200/gateway/internal/observe"
	"github.com/api200/gateway/internal/routing"
	"github.com/api200/gateway/internal/sandbox"
	"github.com/api200/gateway/internal/schema"
	"github.com/api200/gateway/internal/secrets"
	"github.com/api200/gateway/internal/store"
	"github.com/api200/gateway/internal/upstream"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var debugMode bool

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if debugMode {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync(logger)
	logging.SetGlobal(logger)

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database ready", zap.String("type", cfg.Database.Type))

	st, err := store.ForConn(db)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	var (
		redisClient *database.RedisClient
		layered     *cache.MultiLayerCache
		kv          cache.Cache
	)
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		cacheCfg := cache.DefaultConfig()
		cacheCfg.LocalEnabled = cfg.Cache.LocalEnabled
		cacheCfg.LocalTTL = cfg.Cache.LocalTTL
		cacheCfg.LocalSizeMB = cfg.Cache.LocalSizeMB

		layered, err = cache.NewMultiLayerCache(redisClient.Client, cacheCfg)
		if err != nil {
			logger.Fatal("failed to create cache", zap.Error(err))
		}
		defer layered.Close()
		kv = layered
	} else {
		logger.Warn("Redis disabled, using in-process cache")
		kv = cache.NewMemoryCache()
	}

	// Without a key every credential decryption fails; unauthenticated services still work.
	codec, err := secrets.NewCodecFromHex(cfg.Secrets.EncryptionKey)
	if err != nil {
		logger.Fatal("failed to initialize secrets codec", zap.Error(err))
	}

	m := metrics.GetMetrics()
	ctx, stopCollection := context.WithCancel(context.Background())
	defer stopCollection()
	m.StartCollection(ctx)

	sink := observe.NewReporter(logger, m)
	notifier := notify.New(&cfg.Notify)

	callerOpts := []upstream.Option{
		upstream.WithMetrics(m),
		upstream.WithLogger(logger),
	}
	if cfg.Gateway.CircuitBreaker {
		callerOpts = append(callerOpts, upstream.WithBreaker(upstream.NewCircuitBreaker(upstream.DefaultBreakerSettings, logger)))
	}

	orchestrator := gateway.New(gateway.Deps{
		Gate:      auth.NewGate(st, kv, sink, auth.WithUsageAccounting(cfg.Gateway.UsageAccounting)),
		Resolver:  routing.NewResolver(st, kv, sink),
		Responses: cache.NewResponseCache(kv, sink, m),
		Caller:    upstream.NewCaller(&http.Client{Timeout: cfg.Gateway.UpstreamTimeout}, callerOpts...),
		Codec:     codec,
		Sandbox: sandbox.New(sandbox.Config{
			Timeout:       cfg.Gateway.SandboxTimeout,
			MemoryLimitMB: cfg.Gateway.SandboxMemoryMB,
			CheckEvery:    cfg.Gateway.SandboxCheckEvery,
		}),
		Detector: schema.NewDetector(st, notifier, sink, m, logger),
		Recorder: incident.NewRecorder(st, notifier, sink, m, logger),
		Sink:     sink,
		Metrics:  m,
		Logger:   logger,
	})

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger, m))
	router.Use(middleware.CORS)

	api.RegisterRoutes(router,
		api.NewObservabilityHandler(db, redisClient, layered, m),
		api.NewAdminHandler(cache.NewInvalidator(kv), st, logger),
		middleware.NewAdminAuth(cfg.Admin.JWTSecret))
	orchestrator.Register(router)

	// Format address properly for IPv6 (needs brackets)
	httpHost := cfg.Server.Host
	if strings.Contains(httpHost, ":") {
		httpHost = "[" + httpHost + "]"
	}
	addr := fmt.Sprintf("%s:%d", httpHost, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}
