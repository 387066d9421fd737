package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbell/openbell/internal/app/supervisor"
	"github.com/openbell/openbell/internal/bootstrap"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/openbell/openbell/pkg/questdb"
	"github.com/openbell/openbell/pkg/redis"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(logger.WithLoggingLevel(logger.Level(cfg.App.LogLevel)))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	questdbClient, err := questdb.NewClient(ctx, cfg.QuestDB)
	if err != nil {
		log.Fatalf("Failed to initialize QuestDB client: %v", err)
	}
	defer questdbClient.Close()

	if err := questdbClient.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping QuestDB: %v", err)
	}

	var redisClient redis.Client
	if cfg.Bus.Backend != "memory" {
		redisClient = redis.NewClient(appLogger, &cfg.Redis)
		if err := redisClient.Connect(ctx); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Disconnect(ctx)
	}

	b, err := (&bootstrap.Bootstrap{}).Init(bootstrap.BootstrapConfig{
		Config:  cfg,
		QuestDB: questdbClient,
		Redis:   redisClient,
		Logger:  appLogger,
	})
	if err != nil {
		log.Fatalf("Failed to bootstrap pipeline: %v", err)
	}

	sup := supervisor.New(appLogger, time.Second, 30*time.Second)
	sup.Register("feed-consumer", b.Usecase.Feed.Run)
	sup.Register("durable-ingestor", b.Usecase.Ingestor.Run)
	sup.Register("capture-scheduler", b.Usecase.Scheduler.Run)
	sup.Register("live-grader", b.Usecase.Grader.Run)
	sup.Start(ctx)

	appLogger.Info("quote pipeline started",
		logger.Field{Key: "app", Value: cfg.App.Name},
		logger.Field{Key: "environment", Value: cfg.App.Environment},
		logger.Field{Key: "bus_backend", Value: cfg.Bus.Backend},
		logger.Field{Key: "markets", Value: len(cfg.Markets)},
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down quote pipeline")
	sup.Stop()

	for _, status := range sup.Snapshot() {
		appLogger.Info("task stopped",
			logger.Field{Key: "task", Value: status.Name},
			logger.Field{Key: "restarts", Value: status.Restarts},
		)
	}

	appLogger.Info("quote pipeline stopped")
}
