package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/checkpoint/store"
	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/observability/metrics"
	"github.com/linkflow/stream/internal/transport"
	"github.com/linkflow/stream/internal/version"
	"github.com/linkflow/stream/internal/vertex"
)

func main() {
	var (
		instance           = flag.String("instance", getEnv("INSTANCE_NAME", ""), "Unique operator instance name")
		shard              = flag.Int("shard", 0, "Shard index this instance sends as")
		port               = flag.Int("port", 7300, "gRPC channel port")
		httpPort           = flag.Int("http-port", 8080, "HTTP server port")
		operatorName       = flag.String("operator", getEnv("OPERATOR", "passthrough"), "Operator: passthrough or count")
		roster             = flag.String("roster", getEnv("ROSTER", ""), "Comma separated instance names of the graph; inputs and downstream are always included")
		inputs             = flag.String("inputs", getEnv("INPUTS", ""), "Inbound connections, e.g. op-a/0,op-a/1")
		downstream         = flag.String("downstream", getEnv("DOWNSTREAM", ""), "Outbound targets, e.g. sink=op-c@host:7300+op-d@host:7300")
		storageKind        = flag.String("storage", getEnv("CHECKPOINT_STORAGE", "memory"), "Checkpoint storage: memory, postgres or redis")
		databaseURL        = flag.String("database-url", getEnv("DATABASE_URL", ""), "PostgreSQL connection URL")
		redisAddr          = flag.String("redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
		redisPrefix        = flag.String("redis-prefix", getEnv("REDIS_PREFIX", "linkflow:stream"), "Redis key prefix")
		cacheSize          = flag.Int("cache-size", 256, "Checkpoints cached in memory, 0 disables the cache")
		migrate            = flag.Bool("migrate", false, "Apply pending schema migrations on start")
		checkpointInterval = flag.Duration("checkpoint-interval", 30*time.Second, "Backup checkpoint interval, 0 disables it")
		dominoThreshold    = flag.Uint64("domino-threshold", 64, "HMNR clock distance forcing a checkpoint, 0 disables it")
		reuseState         = flag.Bool("reuse-state", true, "Let instances that did not fail keep their state on recovery")
		queueCapacity      = flag.Int("queue-capacity", 1024, "Inbound delivery queue capacity")
		autoStart          = flag.Bool("start", true, "Start processing after bootstrap")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	printBanner("Vertex", logger)

	if *instance == "" {
		logger.Error("instance name is required")
		os.Exit(1)
	}

	inputKeys, err := parseInputs(*inputs)
	if err != nil {
		logger.Error("invalid inputs", slog.String("error", err.Error()))
		os.Exit(1)
	}
	targets, addrs, err := parseDownstream(*downstream)
	if err != nil {
		logger.Error("invalid downstream", slog.String("error", err.Error()))
		os.Exit(1)
	}
	operator, err := newOperator(*operatorName)
	if err != nil {
		logger.Error("invalid operator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewServiceMetrics(registry)

	storage, closeStorage, err := openStorage(ctx, storageConfig{
		kind:        *storageKind,
		databaseURL: *databaseURL,
		redisAddr:   *redisAddr,
		redisPrefix: *redisPrefix,
		cacheSize:   *cacheSize,
		migrate:     *migrate,
	}, logger)
	if err != nil {
		logger.Error("failed to open checkpoint storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStorage()

	origin := flow.ConnectionKey{Instance: *instance, Shard: *shard}
	senders := make(map[string]vertex.FrameSender, len(addrs))
	var conns []*grpc.ClientConn
	var outbound []*transport.Sender
	for name, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Error("failed to create client", slog.String("target", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		conns = append(conns, conn)
		sender := transport.NewSender(conn, transport.SenderConfig{
			Origin: origin,
			Target: name,
			Logger: logger,
		})
		outbound = append(outbound, sender)
		senders[name] = sender
	}

	cfg := vertex.DefaultConfig()
	cfg.Instance = *instance
	cfg.Roster = splitList(*roster, ",")
	cfg.Inputs = inputKeys
	cfg.Downstream = targets
	cfg.CheckpointInterval = *checkpointInterval
	cfg.DominoThreshold = *dominoThreshold
	cfg.AllowReusingState = *reuseState
	cfg.Flow.QueueCapacity = *queueCapacity
	cfg.Flow.SoftLimit = *queueCapacity * 3 / 4
	cfg.Logger = logger
	cfg.Metrics = m

	v, err := vertex.New(cfg, vertex.Dependencies{
		Storage:  storage,
		Operator: operator,
		Senders:  senders,
	})
	if err != nil {
		logger.Error("failed to create vertex", slog.String("error", err.Error()))
		os.Exit(1)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 30*time.Second)
	id, err := v.Bootstrap(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		logger.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("checkpoint history ready", slog.String("checkpoint_id", id.String()))

	if *autoStart {
		if err := v.Start(ctx); err != nil {
			logger.Error("failed to start processing", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	server := grpc.NewServer(grpc.ChainStreamInterceptor(transport.NewLoggingInterceptor(logger).StreamInterceptor))
	transport.NewServer(v.Flow(), transport.ServerConfig{
		Logger:  logger,
		Metrics: m,
	}).Register(server)
	reflection.Register(server)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Error("failed to listen", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !v.Status().Running {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("HALTED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler(registry))
	(&adminHandler{vertex: v, base: ctx, logger: logger}).register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting gRPC server", slog.Int("port", *port), slog.Int("inputs", len(inputKeys)))
		if err := server.Serve(lis); err != nil {
			logger.Error("gRPC server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	go func() {
		logger.Info("starting HTTP server", slog.Int("port", *httpPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := v.Halt(shutdownCtx, nil); err != nil {
		logger.Error("failed to halt processing", slog.String("error", err.Error()))
	}

	// Inbound streams stay open until their senders close, so cap the wait.
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		server.Stop()
	}
	logger.Info("gRPC server stopped")

	g := new(errgroup.Group)
	for _, s := range outbound {
		g.Go(s.Close)
	}
	if err := g.Wait(); err != nil {
		logger.Warn("failed to close outbound channel", slog.String("error", err.Error()))
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	} else {
		logger.Info("HTTP server stopped")
	}

	cancel()
	logger.Info("vertex stopped", slog.String("instance", *instance))
}

type storageConfig struct {
	kind        string
	databaseURL string
	redisAddr   string
	redisPrefix string
	cacheSize   int
	migrate     bool
}

func openStorage(ctx context.Context, cfg storageConfig, logger *slog.Logger) (checkpoint.Storage, func(), error) {
	var (
		backend checkpoint.Storage
		closeFn = func() {}
	)

	switch strings.ToLower(cfg.kind) {
	case "memory":
		logger.Warn("using in-memory checkpoint storage, checkpoints do not survive a restart")
		backend = store.NewMemoryStorage()
	case "postgres":
		if cfg.databaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for postgres storage")
		}
		pool, err := pgxpool.New(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		if cfg.migrate {
			if err := runMigrations(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		backend = store.NewPostgresStorage(pool)
		closeFn = pool.Close
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		backend = store.NewRedisStorage(client, cfg.redisPrefix)
		closeFn = func() { _ = client.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.kind)
	}

	logger.Info("checkpoint storage ready",
		slog.String("storage", cfg.kind),
		slog.Int("cache_size", cfg.cacheSize),
	)
	if cfg.cacheSize > 0 {
		return store.NewCachedStorage(backend, cfg.cacheSize), closeFn, nil
	}
	return backend, closeFn, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := store.NewMigrator(pool, logger)
	if err != nil {
		return err
	}
	pending, err := migrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	logger.Info("applying migrations", slog.Int("pending", len(pending)))
	return migrator.Up(ctx)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func printBanner(service string, logger *slog.Logger) {
	logger.Info(fmt.Sprintf("LinkFlow %s Service", service),
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}
