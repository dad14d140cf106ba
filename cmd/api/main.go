package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rollcall/internal/alerts"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/push"
	"rollcall/internal/queue"
	"rollcall/internal/roster"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App, log *logrus.Logger) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	gdb, err := store.NewGorm(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	notifications := notify.NewGormStore(gdb)
	if err := notifications.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	pusher := push.New(cfg.PushGatewayURL, cfg.PushSkip, cfg.PushTimeout)
	fan := notify.NewFanout(notifications, pusher, log,
		notify.WithConcurrency(cfg.FanoutConcurrency),
		notify.WithRoster(roster.NewResolver(db.Client, redisClient.Client, cfg.RosterCacheTTL, log)),
		notify.WithMetrics(m),
	)

	// alerts go through the worker when a real queue is configured
	var sink attendance.AlertSink
	var local *alerts.LocalSink
	if cfg.QueueBackend == "memory" {
		local = alerts.NewLocalSink(fan, log)
		sink = local
	} else {
		sink = alerts.NewQueueSink(queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log))
	}

	att := attendance.NewService(attendance.NewRepository(db.Client), log,
		attendance.WithAlertSink(sink),
		attendance.WithMetrics(m),
	)

	var limiter httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitRedis {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()

	r.Use(gin.Recovery())

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))

	r.Use(securityHeaders())

	r.Use(httpmiddleware.RateLimit(limiter, log))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	h := handler.New(att, fan, cfg.GraceMinutes, log)
	h.Mount(r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer)))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}
	if local != nil {
		local.Wait()
	}

	log.Info("server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
