package main

import (
	"context"
	"database/sql"
	"flag"
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
	"github.com/mailkite/mailkite/internal/pkg/distlock"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/storage"
	"github.com/mailkite/mailkite/internal/subscribers"
	"github.com/mailkite/mailkite/internal/worker"
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

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("parsing redis URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	} else {
		logger.Warn("redis not configured, import progress reporting disabled")
	}

	files, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		logger.Error("initializing file storage", "error", err)
		os.Exit(1)
	}

	campaignStore := campaigns.NewStore(db)
	listStore := lists.NewStore(db)
	subscriberStore := subscribers.NewStore(db)
	aggregator := analytics.NewAggregator(db)

	driver := delivery.NewDriver(
		campaignStore, subscriberStore, listStore,
		aggregator, render.NewEngine(), cfg.Site, cfg.SMTP)
	if cfg.SES.Enabled {
		ses, err := delivery.NewSESTransport(context.Background(), cfg.SES)
		if err != nil {
			logger.Error("initializing SES transport", "error", err)
			os.Exit(1)
		}
		driver.Dial = func(delivery.Relay) (delivery.Transport, error) { return ses, nil }
	}

	importer := imports.NewImporter(
		imports.NewStore(db), subscriberStore, listStore, files, rdb)

	q := queue.NewPostgresQueue(db, cfg.Worker.MaxTaskRetries)
	runner := worker.NewRunner(
		q, q, driver, importer, aggregator,
		campaignStore, subscriberStore, listStore,
		cfg.Site, cfg.Worker)
	runner.SetBeatLock(distlock.New(rdb, db, "scheduler-beat", cfg.Worker.BeatInterval()))

	if err := runner.Start(); err != nil {
		logger.Error("starting worker pool", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down worker pool")
	runner.Stop()
}
