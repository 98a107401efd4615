package vertex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/message"
	"github.com/linkflow/stream/internal/protocol"
)

// Dependencies are the collaborators a vertex does not own.
type Dependencies struct {
	Storage  checkpoint.Storage
	Operator Operator
	// Senders maps every downstream instance name to its outbound channel.
	Senders map[string]FrameSender
}

// Status is a point-in-time report of a vertex.
type Status struct {
	Instance       string    `json:"instance"`
	Running        bool      `json:"running"`
	Processed      uint64    `json:"processed"`
	Dropped        uint64    `json:"dropped"`
	QueueDepth     int       `json:"queue_depth"`
	PeakQueueDepth int       `json:"peak_queue_depth"`
	Pressure       string    `json:"pressure"`
	LastCheckpoint time.Time `json:"last_checkpoint"`
	Checkpoint     uuid.UUID `json:"checkpoint"`
	LastError      string    `json:"last_error,omitempty"`
}

// Vertex is one operator instance with its checkpointing and flow control.
type Vertex struct {
	config    Config
	service   *checkpoint.Service
	hmnr      *protocol.HMNR
	backup    *protocol.Backup
	flow      *flow.Controller[message.DataMessage]
	processor *Processor
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// New wires a vertex. The HMNR clocks and the operator, when checkpointable,
// are registered for checkpointing.
func New(config Config, deps Dependencies) (*Vertex, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if deps.Storage == nil || deps.Operator == nil {
		return nil, fmt.Errorf("%w: storage and operator are required", ErrInvalidConfig)
	}
	// the checkpoint service names the instance per record
	logger := config.Logger.With(slog.String("instance", config.Instance))

	registry := checkpoint.NewRegistry(logger)
	tracker := checkpoint.NewTracker()

	hmnr := protocol.NewHMNR(tracker, protocol.HMNRConfig{
		Threshold: config.DominoThreshold,
		Logger:    logger,
	})
	hmnr.InitializeClocks(config.Instance, config.Roster)

	if _, err := registry.Register(hmnr); err != nil {
		return nil, fmt.Errorf("register clocks: %w", err)
	}
	if _, err := registry.Register(deps.Operator); err != nil {
		return nil, fmt.Errorf("register operator: %w", err)
	}

	service := checkpoint.NewService(registry, tracker, deps.Storage, checkpoint.Config{
		AllowReusingState: config.AllowReusingState,
		Logger:            config.Logger,
		Metrics:           config.Metrics,
		Now:               config.Now,
	})
	backup := protocol.NewBackup(config.CheckpointInterval, config.Now())
	handler := protocol.NewPreDeliveryHandler(hmnr, backup, service, protocol.PreDeliveryConfig{
		Instance: config.Instance,
		Logger:   logger,
		Metrics:  config.Metrics,
		Now:      config.Now,
	})

	codec := message.NewCodec()
	dispatcher, err := NewDispatcher(hmnr, codec, deps.Senders, config.Downstream, logger)
	if err != nil {
		return nil, err
	}

	fc := config.Flow
	fc.Logger = logger
	controller := flow.NewController[message.DataMessage](config.Inputs, codec, fc)

	return &Vertex{
		config:  config,
		service: service,
		hmnr:    hmnr,
		backup:  backup,
		flow:    controller,
		processor: &Processor{
			instance:   config.Instance,
			flow:       controller,
			handler:    handler,
			operator:   deps.Operator,
			dispatcher: dispatcher,
			idle:       config.IdleCheckInterval,
			logger:     logger,
			metrics:    config.Metrics,
		},
		logger: logger,
	}, nil
}

// Flow is the inbound controller, the receiver for the transport server.
func (v *Vertex) Flow() *flow.Controller[message.DataMessage] { return v.flow }

func (v *Vertex) Service() *checkpoint.Service { return v.service }

func (v *Vertex) Clocks() *protocol.HMNR { return v.hmnr }

// Bootstrap makes sure the instance owns at least one stored checkpoint.
func (v *Vertex) Bootstrap(ctx context.Context) (uuid.UUID, error) {
	id, err := v.service.TakeInitialCheckpointIfNotExists(ctx, v.config.Instance)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bootstrap checkpoint: %w", err)
	}
	v.backup.SetLastCheckpoint(v.config.Now())
	return id, nil
}

// Start launches the processing task. It runs until Halt or a fatal error.
func (v *Vertex) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	v.running = true
	v.cancel = cancel
	v.done = done
	v.lastErr = nil

	go func() {
		defer close(done)
		defer cancel()
		err := v.processor.Run(runCtx)

		v.mu.Lock()
		defer v.mu.Unlock()
		v.running = false
		if err != nil && runCtx.Err() == nil {
			v.lastErr = err
			v.logger.Error("processing stopped", slog.String("error", err.Error()))
		}
	}()

	v.logger.Info("processing started")
	return nil
}

// Halt stops processing and flushes the connections of the halted upstream
// instances. Messages already queued from other instances stay queued.
func (v *Vertex) Halt(ctx context.Context, upstreamHalted []string) error {
	v.mu.Lock()
	cancel, done, running := v.cancel, v.done, v.running
	v.mu.Unlock()

	if running {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for processing to stop: %w", ctx.Err())
		}
	}

	if len(upstreamHalted) > 0 {
		if err := v.flow.Flush(ctx, upstreamHalted); err != nil {
			return fmt.Errorf("flush upstream: %w", err)
		}
	}

	v.logger.Info("processing halted",
		slog.Bool("was_running", running),
		slog.Any("flushed", upstreamHalted),
	)
	return nil
}

// Restore loads checkpoint id into the halted vertex.
func (v *Vertex) Restore(ctx context.Context, id uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return fmt.Errorf("restore %s: %w", id, ErrAlreadyRunning)
	}

	if err := v.service.RestoreCheckpoint(ctx, id); err != nil {
		return err
	}
	v.processor.pending = nil
	v.backup.SetLastCheckpoint(v.config.Now())
	return nil
}

// Block pauses admission from one inbound connection, as instructed by a
// halting upstream instance.
func (v *Vertex) Block(ctx context.Context, key flow.ConnectionKey) error {
	if err := v.flow.Block(ctx, key); err != nil {
		return fmt.Errorf("block %s: %w", key, err)
	}
	v.logger.Info("connection blocked", slog.String("connection", key.String()))
	return nil
}

func (v *Vertex) Unblock(key flow.ConnectionKey) error {
	if err := v.flow.Unblock(key); err != nil {
		return fmt.Errorf("unblock %s: %w", key, err)
	}
	v.logger.Info("connection unblocked", slog.String("connection", key.String()))
	return nil
}

// Prioritize lets only key admit messages until Deprioritize, so the messages
// of one channel up to a cut are processed before any other channel's.
func (v *Vertex) Prioritize(ctx context.Context, key flow.ConnectionKey) error {
	if err := v.flow.TakePriority(ctx, key); err != nil {
		return fmt.Errorf("prioritize %s: %w", key, err)
	}
	v.logger.Info("connection prioritized", slog.String("connection", key.String()))
	return nil
}

func (v *Vertex) Deprioritize(key flow.ConnectionKey) error {
	if err := v.flow.ReleasePriority(key); err != nil {
		return fmt.Errorf("deprioritize %s: %w", key, err)
	}
	v.logger.Info("connection priority released", slog.String("connection", key.String()))
	return nil
}

func (v *Vertex) Status() Status {
	v.mu.Lock()
	running, lastErr := v.running, v.lastErr
	v.mu.Unlock()

	st := Status{
		Instance:       v.config.Instance,
		Running:        running,
		Processed:      v.processor.Processed(),
		Dropped:        v.processor.Dropped(),
		QueueDepth:     v.flow.Depth(),
		PeakQueueDepth: v.flow.PeakDepth(),
		Pressure:       v.flow.Pressure().String(),
		LastCheckpoint: v.backup.LastCheckpoint(),
	}
	if id, ok := v.service.Tracker().Latest(v.config.Instance); ok {
		st.Checkpoint = id
	}
	if lastErr != nil && !errors.Is(lastErr, context.Canceled) {
		st.LastError = lastErr.Error()
	}
	return st
}
