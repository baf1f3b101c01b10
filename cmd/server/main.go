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
	"github.com/mailkite/mailkite/internal/delivery"
	"github.com/mailkite/mailkite/internal/imports"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/storage"
	"github.com/mailkite/mailkite/internal/subscribers"
	"github.com/mailkite/mailkite/internal/tracking"
	"github.com/mailkite/mailkite/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("loading configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg.Database)
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := openRedis(cfg.Redis)
	if err != nil {
		logger.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	files, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		logger.Error("initializing file storage", "error", err)
		os.Exit(1)
	}

	campaignStore := campaigns.NewStore(db)
	listStore := lists.NewStore(db)
	subscriberStore := subscribers.NewStore(db)
	importStore := imports.NewStore(db)
	aggregator := analytics.NewAggregator(db)
	engine := render.NewEngine()

	q := queue.NewPostgresQueue(db, cfg.Worker.MaxTaskRetries)
	limiter := tracking.NewRateLimiter(rdb)

	driver := delivery.NewDriver(
		campaignStore, subscriberStore, listStore,
		aggregator, engine, cfg.Site, cfg.SMTP)
	if cfg.SES.Enabled {
		ses, err := delivery.NewSESTransport(context.Background(), cfg.SES)
		if err != nil {
			logger.Error("initializing SES transport", "error", err)
			os.Exit(1)
		}
		driver.Dial = func(delivery.Relay) (delivery.Transport, error) { return ses, nil }
	}

	// A typed nil verifier must stay a nil interface, or the handler
	// would try to call it.
	var verifier web.Verifier
	if v := web.NewRecaptchaVerifier(cfg.Recaptcha); v != nil {
		verifier = v
	}

	public := web.NewPublicHandler(
		listStore, subscriberStore, q, limiter, verifier, engine, cfg.Site)
	admin := web.NewAdminHandler(
		campaignStore, listStore, subscriberStore, importStore,
		files, q, driver, rdb)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      web.NewRouter(public, admin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "domain", cfg.Site.Domain)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
