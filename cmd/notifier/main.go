package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/api"
	"github.com/driftboard/notifier/internal/breaker"
	"github.com/driftboard/notifier/internal/config"
	"github.com/driftboard/notifier/internal/db"
	"github.com/driftboard/notifier/internal/dlq"
	"github.com/driftboard/notifier/internal/live"
	"github.com/driftboard/notifier/internal/metrics"
	"github.com/driftboard/notifier/internal/notification"
	"github.com/driftboard/notifier/internal/observ"
	redisx "github.com/driftboard/notifier/internal/redis"
	"github.com/driftboard/notifier/internal/stream"
	"github.com/driftboard/notifier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("consumer", cfg.ConsumerName),
	)

	ctx := context.Background()

	// Document store
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis: durable log, lock, live push
	redisClient, err := redisx.New(ctx, redisx.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	gateway := stream.NewGateway(redisClient, cfg.StreamName, cfg.StreamGroup, logger)
	throttle := redisx.NewThrottle(redisClient, cfg.PushLimit, cfg.PushWindow, logger)
	pusher := live.NewPusher(redisClient, throttle, logger)
	svc := notification.NewService(repo, pusher, gateway, logger)

	sink := dlq.NewSink(redisClient, svc, dlq.Config{
		DLQStream:       cfg.DLQStream,
		PermadeadStream: cfg.PermadeadStream,
		MaxRetries:      cfg.MaxDLQRetries,
		MaxLen:          cfg.TrimMaxLen,
		SweepBatch:      cfg.BatchSize,
	}, logger)

	lock := redisx.NewLock(redisClient, cfg.LockKey, cfg.LockTTL, logger)
	brk := breaker.New(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}, logger)

	w := worker.New(gateway, svc, sink, lock, svc, brk, worker.Config{
		Consumer:          cfg.ConsumerName,
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		StaleIdle:         cfg.StaleIdle,
		MinSleep:          cfg.MinSleep,
		MaxSleep:          cfg.MaxSleep,
		TrimInterval:      cfg.TrimInterval,
		TrimMaxLen:        cfg.TrimMaxLen,
		SweepInterval:     cfg.SweepInterval,
		RetentionInterval: cfg.RetentionInterval,
		RetentionAge:      cfg.RetentionAge,
		StreamRetention:   cfg.StreamRetention,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(workerCtx)
	}()

	logger.Info("background worker started")

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, svc, sink, map[string]api.HealthChecker{
		"postgres": database.Health,
		"redis":    redisClient.Ping,
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/notifications", handler.GetNotifications)
		r.Post("/notifications/{id}/seen", handler.MarkNotificationSeen)
		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Get("/permadead", handler.ListPermadead)
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-workerErrors:
		return fmt.Errorf("worker error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the worker first so it releases the lock and finishes the
		// in-flight batch before connections close.
		workerCancel()
		<-workerErrors

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
