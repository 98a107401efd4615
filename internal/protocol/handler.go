package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/observability/metrics"
)

const (
	TriggerHMNR   = "hmnr"
	TriggerBackup = "backup"
)

type PreDeliveryConfig struct {
	Instance string
	Logger   *slog.Logger
	Metrics  *metrics.ServiceMetrics
	Now      func() time.Time
}

// PreDeliveryHandler runs the checkpoint protocols before a message is
// delivered to the operator. It must be driven from the processing goroutine.
type PreDeliveryHandler struct {
	hmnr     *HMNR
	backup   *Backup
	service  *checkpoint.Service
	instance string
	logger   *slog.Logger
	metrics  *metrics.ServiceMetrics
	now      func() time.Time

	// clock state captured before the last checkpoint attempt
	saved []byte
}

// NewPreDeliveryHandler wires the protocols into the checkpoint service hooks.
// HMNR clocks are advanced before the snapshot is taken so the stored clock
// state is the post-checkpoint one; the backup timer resets after storing.
// A checkpoint that is not stored puts the clocks back.
func NewPreDeliveryHandler(hmnr *HMNR, backup *Backup, service *checkpoint.Service, config PreDeliveryConfig) *PreDeliveryHandler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	h := &PreDeliveryHandler{
		hmnr:     hmnr,
		backup:   backup,
		service:  service,
		instance: config.Instance,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}

	service.OnBeforeCheckpoint(checkpoint.HookFunc(func(context.Context) error {
		if err := hmnr.BeforeCheckpoint(); err != nil {
			return err
		}
		saved, err := hmnr.CaptureState()
		if err != nil {
			return fmt.Errorf("capture clocks: %w", err)
		}
		h.saved = saved
		hmnr.AfterCheckpoint()
		return nil
	}))
	service.OnAbortCheckpoint(checkpoint.HookFunc(func(context.Context) error {
		if h.saved == nil {
			return nil
		}
		saved := h.saved
		h.saved = nil
		return hmnr.RestoreState(saved)
	}))
	service.OnAfterCheckpoint(checkpoint.HookFunc(func(context.Context) error {
		h.saved = nil
		backup.SetLastCheckpoint(h.now())
		return nil
	}))
	return h
}

// Handle evaluates the force conditions for a message from instance from and
// records its clock data. A failed forced checkpoint is returned as is and
// must stop processing.
func (h *PreDeliveryHandler) Handle(ctx context.Context, from string, p Piggyback) error {
	force, err := h.hmnr.CheckCheckpointCondition(from, p)
	if err != nil {
		return err
	}

	switch {
	case force:
		h.logger.Warn("forcing checkpoint",
			slog.String("from", from),
			slog.String("piggyback", p.String()),
		)
		if err := h.take(ctx, TriggerHMNR); err != nil {
			return err
		}
	case h.backup.CheckCondition(h.now()):
		if err := h.take(ctx, TriggerBackup); err != nil {
			return err
		}
	}

	if err := h.hmnr.BeforeDeliver(from, p); err != nil {
		return err
	}
	if p.Checkpoint != uuid.Nil {
		h.service.Tracker().UpdateDependency(from, p.Checkpoint)
	}
	return nil
}

// CheckBackup takes a timer checkpoint when due, for channels gone quiet.
func (h *PreDeliveryHandler) CheckBackup(ctx context.Context) (bool, error) {
	if !h.backup.CheckCondition(h.now()) {
		return false, nil
	}
	if err := h.take(ctx, TriggerBackup); err != nil {
		return false, err
	}
	return true, nil
}

func (h *PreDeliveryHandler) take(ctx context.Context, trigger string) error {
	if _, err := h.service.TakeCheckpoint(ctx, h.instance); err != nil {
		return fmt.Errorf("%s checkpoint: %w", trigger, err)
	}
	h.metrics.CheckpointTriggered(h.instance, trigger)
	return nil
}
