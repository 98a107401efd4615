package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/stream/internal/checkpoint/store"
)

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable or --database-url flag is required")
	}
	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := flag.Args()[0]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	migrator, err := store.NewMigrator(pool, logger)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	switch command {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("All migrations applied successfully!")
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			steps, err = strconv.Atoi(flag.Args()[1])
			if err != nil || steps < 1 {
				log.Fatalf("Invalid number of steps: %s", flag.Args()[1])
			}
		}
		if err := migrator.Down(ctx, steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := showStatus(ctx, migrator); err != nil {
			log.Fatalf("Failed to show status: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Apply all pending checkpoint schema migrations
  down [n]       Rollback n migrations (default: 1)
  status         Show migration status

Options:
  --database-url    PostgreSQL connection URL (or set DATABASE_URL env var)
  --timeout         Overall timeout (default: 2m)`)
}

func showStatus(ctx context.Context, migrator *store.Migrator) error {
	all, err := store.Migrations()
	if err != nil {
		return err
	}
	applied, err := migrator.Applied(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Migration Status:")
	fmt.Println("=================")
	for _, m := range all {
		status := "pending"
		if applied[m.Version] {
			status = "applied"
		}
		fmt.Printf("  %03d  %-24s %s\n", m.Version, m.Name, status)
	}
	return nil
}
