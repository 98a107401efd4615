package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/observability/metrics"
)

// Hook is notified around checkpoint creation. A hook error aborts the checkpoint.
type Hook interface {
	OnCheckpoint(ctx context.Context) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context) error

func (f HookFunc) OnCheckpoint(ctx context.Context) error { return f(ctx) }

// Config holds the configuration for the checkpoint service.
type Config struct {
	AllowReusingState bool
	Logger            *slog.Logger
	Metrics           *metrics.ServiceMetrics
	Now               func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AllowReusingState: true,
	}
}

// Service coordinates registry snapshots, dependency stamping, storage and restoration.
// It is driven from the single data-processing goroutine of an instance.
type Service struct {
	registry   *Registry
	tracker    *Tracker
	storage    Storage
	calculator *RecoveryLineCalculator
	logger     *slog.Logger
	metrics    *metrics.ServiceMetrics
	now        func() time.Time

	beforeHooks []Hook
	afterHooks  []Hook
	abortHooks  []Hook
}

// NewService creates a new checkpoint service.
func NewService(registry *Registry, tracker *Tracker, storage Storage, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		registry:   registry,
		tracker:    tracker,
		storage:    storage,
		calculator: NewRecoveryLineCalculator(config.AllowReusingState),
		logger:     config.Logger,
		metrics:    config.Metrics,
		now:        config.Now,
	}
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Tracker() *Tracker { return s.tracker }

// OnBeforeCheckpoint appends a hook run before snapshots are taken.
func (s *Service) OnBeforeCheckpoint(h Hook) {
	s.beforeHooks = append(s.beforeHooks, h)
}

// OnAfterCheckpoint appends a hook run after the checkpoint was stored.
func (s *Service) OnAfterCheckpoint(h Hook) {
	s.afterHooks = append(s.afterHooks, h)
}

// OnAbortCheckpoint appends a hook run when a checkpoint fails before it is
// stored. Abort hooks undo what before hooks changed and run even when ctx is
// cancelled.
func (s *Service) OnAbortCheckpoint(h Hook) {
	s.abortHooks = append(s.abortHooks, h)
}

// TakeCheckpoint snapshots the registry and stores it together with the current
// dependency vector. The instance's own tracker entry then points at the new
// checkpoint so the next one depends on it.
func (s *Service) TakeCheckpoint(ctx context.Context, instanceName string) (uuid.UUID, error) {
	start := s.now()

	id, err := s.takeCheckpoint(ctx, instanceName)
	if err != nil {
		s.metrics.CheckpointFailed(instanceName)
		return uuid.Nil, err
	}

	elapsed := s.now().Sub(start)
	s.metrics.CheckpointTaken(instanceName, elapsed)
	s.logger.Info("checkpoint taken",
		slog.String("instance", instanceName),
		slog.String("checkpoint_id", id.String()),
		slog.Duration("duration", elapsed),
	)
	return id, nil
}

func (s *Service) takeCheckpoint(ctx context.Context, instanceName string) (uuid.UUID, error) {
	cp, err := s.storeCheckpoint(ctx, instanceName)
	if err != nil {
		if aerr := runHooks(context.WithoutCancel(ctx), s.abortHooks); aerr != nil {
			s.logger.Error("abort checkpoint hook failed",
				slog.String("instance", instanceName),
				slog.String("error", aerr.Error()),
			)
		}
		return uuid.Nil, err
	}

	s.tracker.UpdateDependency(instanceName, cp.ID)

	if err := runHooks(ctx, s.afterHooks); err != nil {
		return uuid.Nil, fmt.Errorf("after checkpoint hook: %w", err)
	}
	return cp.ID, nil
}

func (s *Service) storeCheckpoint(ctx context.Context, instanceName string) (*Checkpoint, error) {
	if err := runHooks(ctx, s.beforeHooks); err != nil {
		return nil, fmt.Errorf("before checkpoint hook: %w", err)
	}

	snapshots, err := s.registry.TakeSnapshots()
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		MetaData: MetaData{
			ID:           uuid.New(),
			InstanceName: instanceName,
			CreatedAt:    s.now().UTC(),
			Dependencies: s.tracker.Dependencies(),
		},
		Snapshots: snapshots,
	}

	if err := s.storage.Store(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return cp, nil
}

// TakeInitialCheckpointIfNotExists makes sure the instance has checkpoint history.
// When a bootstrap checkpoint of this instance is already stored, the tracker adopts
// the latest stored checkpoint of the instance instead of taking a new one.
func (s *Service) TakeInitialCheckpointIfNotExists(ctx context.Context, instanceName string) (uuid.UUID, error) {
	all, err := s.storage.GetAllMetaData(ctx)
	if err != nil {
		s.logger.Error("failed to list checkpoint metadata",
			slog.String("instance", instanceName),
			slog.String("error", err.Error()),
		)
		return uuid.Nil, fmt.Errorf("failed to list checkpoint metadata: %w", err)
	}

	var own []MetaData
	hasBootstrap := false
	for _, m := range all {
		if m.InstanceName != instanceName {
			continue
		}
		own = append(own, m)
		if !m.DependsOnSelf() {
			hasBootstrap = true
		}
	}

	if hasBootstrap {
		sortNewestFirst(own)
		latest := own[0]
		s.tracker.OverwriteDependencies(latest.Dependencies)
		s.tracker.UpdateDependency(instanceName, latest.ID)
		s.logger.Info("adopted existing checkpoint history",
			slog.String("instance", instanceName),
			slog.String("checkpoint_id", latest.ID.String()),
			slog.Int("checkpoints", len(own)),
		)
		return latest.ID, nil
	}

	id, err := s.TakeCheckpoint(ctx, instanceName)
	if err != nil {
		s.logger.Error("initial checkpoint failed",
			slog.String("instance", instanceName),
			slog.String("error", err.Error()),
		)
		return uuid.Nil, fmt.Errorf("initial checkpoint: %w", err)
	}
	s.metrics.CheckpointTriggered(instanceName, "initial")
	return id, nil
}

// RestoreCheckpoint loads a checkpoint into the registry and resets the
// dependency vector to the one stored with it. The registry is left untouched
// when the checkpoint cannot be retrieved or does not cover every registered object.
func (s *Service) RestoreCheckpoint(ctx context.Context, id uuid.UUID) error {
	cp, err := s.storage.Retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return fmt.Errorf("%w: storage has no checkpoint %s", ErrCheckpointRestoration, id)
		}
		return fmt.Errorf("%w: %w", ErrCheckpointRestoration, err)
	}
	if cp == nil {
		return fmt.Errorf("%w: storage returned no checkpoint for %s", ErrCheckpointRestoration, id)
	}

	if err := s.registry.Restore(cp.Snapshots); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointRestoration, err)
	}

	s.tracker.OverwriteDependencies(cp.Dependencies)
	s.tracker.UpdateDependency(cp.InstanceName, cp.ID)

	s.metrics.CheckpointRestored(cp.InstanceName)
	s.logger.Info("checkpoint restored",
		slog.String("instance", cp.InstanceName),
		slog.String("checkpoint_id", id.String()),
	)
	return nil
}

// CalculateRecoveryLine computes the checkpoints to restore after failedInstances failed.
func (s *Service) CalculateRecoveryLine(ctx context.Context, failedInstances []string) (RecoveryLine, error) {
	all, err := s.storage.GetAllMetaData(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint metadata: %w", err)
	}

	line, err := s.calculator.Calculate(all, failedInstances)
	if err != nil {
		return nil, err
	}

	s.metrics.RecoveryLineCalculated(len(line))
	s.logger.Info("recovery line calculated",
		slog.Any("failed", failedInstances),
		slog.Int("size", len(line)),
	)
	return line, nil
}

func runHooks(ctx context.Context, hooks []Hook) error {
	for _, h := range hooks {
		if err := h.OnCheckpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

func sortNewestFirst(metas []MetaData) {
	sort.SliceStable(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.After(metas[j].CreatedAt)
		}
		return metas[i].ID.String() > metas[j].ID.String()
	})
}
