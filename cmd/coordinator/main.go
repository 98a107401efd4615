package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/checkpoint/store"
	"github.com/linkflow/stream/internal/version"
)

func main() {
	var (
		storageKind = flag.String("storage", getEnv("CHECKPOINT_STORAGE", "postgres"), "Checkpoint storage: postgres or redis")
		databaseURL = flag.String("database-url", getEnv("DATABASE_URL", ""), "PostgreSQL connection URL")
		redisAddr   = flag.String("redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
		redisPrefix = flag.String("redis-prefix", getEnv("REDIS_PREFIX", "linkflow:stream"), "Redis key prefix")
		failed      = flag.String("failed", "", "Comma separated names of the failed instances")
		reuseState  = flag.Bool("reuse-state", true, "Let instances that did not fail keep their state")
		record      = flag.Bool("record", false, "Store the computed line (postgres only)")
		timeout     = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("LinkFlow Coordinator",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
	)

	failedInstances := splitList(*failed)
	if len(failedInstances) == 0 {
		logger.Error("at least one failed instance is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, options{
		storage:     *storageKind,
		databaseURL: *databaseURL,
		redisAddr:   *redisAddr,
		redisPrefix: *redisPrefix,
		failed:      failedInstances,
		reuseState:  *reuseState,
		record:      *record,
	}, logger); err != nil {
		logger.Error("recovery line calculation failed", slog.String("error", err.Error()))
		if errors.Is(err, checkpoint.ErrNoValidRecoveryLine) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

type options struct {
	storage     string
	databaseURL string
	redisAddr   string
	redisPrefix string
	failed      []string
	reuseState  bool
	record      bool
}

// lineRecorder is implemented by storages that keep a history of recovery lines.
type lineRecorder interface {
	RecordRecoveryLine(ctx context.Context, failed []string, line checkpoint.RecoveryLine) error
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var storage checkpoint.Storage
	switch opts.storage {
	case "postgres":
		if opts.databaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres storage")
		}
		pool, err := pgxpool.New(ctx, opts.databaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		storage = store.NewPostgresStorage(pool)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer client.Close()
		storage = store.NewRedisStorage(client, opts.redisPrefix)
	default:
		return fmt.Errorf("unknown storage %q", opts.storage)
	}

	cfg := checkpoint.DefaultConfig()
	cfg.AllowReusingState = opts.reuseState
	cfg.Logger = logger
	svc := checkpoint.NewService(checkpoint.NewRegistry(logger), checkpoint.NewTracker(), storage, cfg)

	line, err := svc.CalculateRecoveryLine(ctx, opts.failed)
	if err != nil {
		return err
	}

	if opts.record {
		recorder, ok := storage.(lineRecorder)
		if !ok {
			return fmt.Errorf("%s storage cannot record recovery lines", opts.storage)
		}
		if err := recorder.RecordRecoveryLine(ctx, opts.failed, line); err != nil {
			return fmt.Errorf("record recovery line: %w", err)
		}
	}

	out := make(map[string]string, len(line))
	for instance, id := range line {
		out[instance] = id.String()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
