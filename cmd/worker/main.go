package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rollcall/internal/alerts"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/push"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/store"
)

// Worker consumes attendance alerts from the queue and fans them out.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Fatal("worker needs QUEUE_BACKEND=redis; the api fans out in-process with the memory backend")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()

	gdb, err := store.NewGorm(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("gorm open failed")
	}
	notifications := notify.NewGormStore(gdb)
	if err := notifications.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("notification migration failed")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	pusher := push.New(cfg.PushGatewayURL, cfg.PushSkip, cfg.PushTimeout)
	if !cfg.PushSkip {
		if err := pusher.Health(ctx); err != nil {
			log.WithError(err).Warn("push gateway not available; deliveries will be reported as failed")
		} else {
			log.Info("push gateway connected")
		}
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, prometheus.DefaultGatherer)
	go func() {
		log.WithField("port", cfg.MetricsPort).Info("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	fan := notify.NewFanout(notifications, pusher, log,
		notify.WithConcurrency(cfg.FanoutConcurrency),
		notify.WithRoster(roster.NewResolver(db.Client, redisClient.Client, cfg.RosterCacheTTL, log)),
		notify.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log)
	log.Info("worker started, waiting for alerts")
	handled, err := alerts.NewConsumer(fan, log).Run(ctx, q)
	if err != nil {
		log.WithError(err).Fatal("queue consume failed")
	}
	log.WithField("handled", handled).Info("worker stopped")
}
