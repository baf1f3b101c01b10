package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/subscribers"
	"github.com/mailkite/mailkite/internal/tracking"
)

// The tracking listener runs as its own binary so the engagement ingest
// path can scale and restart independently of the admin server.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("loading configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("pinging database", "error", err)
		os.Exit(1)
	}

	redisURL := cfg.Redis.URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("parsing redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	handler := tracking.NewHandler(
		campaigns.NewStore(db),
		subscribers.NewStore(db),
		analytics.NewAggregator(db),
		tracking.NewRateLimiter(rdb),
	)

	srv := &http.Server{
		Addr:         cfg.Tracking.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("tracking listener stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking listener")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
