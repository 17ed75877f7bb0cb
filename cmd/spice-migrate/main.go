package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/paradigmxyz/spice/internal/cache/postgres"
	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	prune := flag.Duration("prune-older-than", 0, "after migrating, delete cache entries captured longer ago than this")
	flag.Parse()

	cfg, err := config.LoadFromEnv("spice-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Cache.Postgres.DSN == "" {
		fmt.Fprintln(os.Stderr, "SPICE_CACHE_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, cfg.Cache.Postgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, status := range statuses {
			state := "pending"
			if status.Applied() {
				state = "applied " + status.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%06d %-24s %s\n", status.Version, status.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}

	if *prune > 0 {
		removed, err := postgres.NewStore(db).Prune(ctx, time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(os.Stderr, "cache prune failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("pruned %d cache entr(ies)\n", removed)
	}
}
