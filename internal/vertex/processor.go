package vertex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/message"
	"github.com/linkflow/stream/internal/observability/metrics"
	"github.com/linkflow/stream/internal/protocol"
)

// Operator is the user logic of a vertex. Its state is checkpointed when it
// implements checkpoint.Checkpointable.
type Operator interface {
	Process(ctx context.Context, msg message.DataMessage) ([]message.DataMessage, error)
}

// OperatorFunc adapts a stateless function to Operator.
type OperatorFunc func(ctx context.Context, msg message.DataMessage) ([]message.DataMessage, error)

func (f OperatorFunc) Process(ctx context.Context, msg message.DataMessage) ([]message.DataMessage, error) {
	return f(ctx, msg)
}

// Processor is the single consumer of the inbound flow.
type Processor struct {
	instance   string
	flow       *flow.Controller[message.DataMessage]
	handler    *protocol.PreDeliveryHandler
	operator   Operator
	dispatcher *Dispatcher
	idle       time.Duration
	logger     *slog.Logger
	metrics    *metrics.ServiceMetrics

	// taken but not yet handled when the last run was cancelled
	pending *flow.Delivery[message.DataMessage]

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// Run processes messages until ctx is done or a checkpoint cannot be taken.
// Only one Run may be active at a time.
func (p *Processor) Run(ctx context.Context) error {
	for {
		d, err := p.next(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		if d.Discarded() {
			p.dropped.Add(1)
			p.logger.Debug("skipping message invalidated by flush",
				slog.String("origin", d.Origin.String()),
			)
			continue
		}
		if err := ctx.Err(); err != nil {
			p.pending = d
			return err
		}
		if err := p.deliver(ctx, d); err != nil {
			return err
		}
	}
}

// next returns the pending delivery, the next queued one, or nil when the
// idle interval elapsed.
func (p *Processor) next(ctx context.Context) (*flow.Delivery[message.DataMessage], error) {
	if d := p.pending; d != nil {
		p.pending = nil
		return d, nil
	}

	tctx, cancel := context.WithTimeout(ctx, p.idle)
	d, err := p.flow.Take(tctx)
	cancel()
	if err == nil {
		return &d, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if _, err := p.handler.CheckBackup(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// deliver runs the pre-delivery protocols, the operator and the dispatch of
// its outputs. A delivery whose pre-delivery step was cut short by
// cancellation is kept for the next run. Once the operator has run, its
// outputs are sent even when ctx is cancelled.
func (p *Processor) deliver(ctx context.Context, d *flow.Delivery[message.DataMessage]) error {
	from := d.Origin.Instance
	if err := p.handler.Handle(ctx, from, d.Message.Piggyback); err != nil {
		if ctx.Err() != nil {
			p.pending = d
			p.logger.Info("delivery interrupted, kept for next run",
				slog.String("from", from),
				slog.String("error", err.Error()),
			)
			return ctx.Err()
		}
		return fmt.Errorf("pre-delivery of message from %s: %w", from, err)
	}

	outputs, err := p.operator.Process(ctx, d.Message)
	p.processed.Add(1)
	p.metrics.MessageProcessed(p.instance)
	if err != nil {
		p.metrics.OperatorFailed(p.instance)
		p.logger.Error("operator failed",
			slog.String("from", from),
			slog.String("key", d.Message.Key),
			slog.String("error", err.Error()),
		)
		return nil
	}

	sendCtx := context.WithoutCancel(ctx)
	for _, out := range outputs {
		if err := p.dispatcher.Dispatch(sendCtx, out); err != nil {
			return err
		}
	}
	return nil
}

// Processed is the number of messages handed to the operator.
func (p *Processor) Processed() uint64 { return p.processed.Load() }

// Dropped is the number of taken messages skipped after a flush.
func (p *Processor) Dropped() uint64 { return p.dropped.Load() }
