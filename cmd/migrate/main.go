package main

import (
	"context"
	"flag"
	"log"

	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/migration"
	"github.com/openbell/openbell/pkg/questdb"
)

func main() {
	var (
		dir   = flag.String("dir", "internal/infrastructure/questdb/migrations", "migration directory")
		down  = flag.Bool("down", false, "revert migrations instead of applying")
		steps = flag.Int("steps", 0, "number of migrations to apply (0 = all pending) or revert")
	)
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client, err := questdb.NewClient(ctx, cfg.QuestDB)
	if err != nil {
		log.Fatalf("Failed to initialize QuestDB client: %v", err)
	}
	defer client.Close()

	runner := migration.NewRunner(client, *dir)

	if *down {
		if err := runner.Down(ctx, *steps); err != nil {
			log.Fatalf("Failed to revert migrations: %v", err)
		}
		log.Println("Migrations reverted successfully")
		return
	}

	if err := runner.Up(ctx, *steps); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")
}
