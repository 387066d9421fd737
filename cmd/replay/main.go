// Command replay resubmits quarantined dead-letter payloads through the
// regular publish path after manual correction. Run it against the same
// configuration as the pipeline; entries that pass the gate are deleted,
// still-invalid ones stay quarantined.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/openbell/openbell/internal/bootstrap"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/openbell/openbell/pkg/questdb"
	"github.com/openbell/openbell/pkg/redis"
)

func main() {
	limit := flag.Int("limit", 100, "maximum number of dead-letter entries to replay")
	flag.Parse()

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

	replayed, err := b.Usecase.Ingestor.Replay(ctx, *limit)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	appLogger.Info("dead-letter replay finished",
		logger.Field{Key: "replayed", Value: replayed},
	)
}
