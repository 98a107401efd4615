package flow

import (
	"log/slog"
	"sync/atomic"

	"github.com/linkflow/stream/internal/observability/metrics"
)

// PressureState is the fill level of the delivery queue.
type PressureState int

const (
	PressureNormal   PressureState = iota
	PressureWarning                // depth >= soft limit
	PressureCritical               // queue full, receptions wait
)

func (s PressureState) String() string {
	switch s {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

// backpressure reports queue pressure. The queue itself never drops messages.
type backpressure struct {
	softLimit int
	hardLimit int
	state     atomic.Int32
	peak      atomic.Int64
	logger    *slog.Logger
	metrics   *metrics.ServiceMetrics
}

func newBackpressure(softLimit, hardLimit int, logger *slog.Logger, m *metrics.ServiceMetrics) *backpressure {
	return &backpressure{
		softLimit: softLimit,
		hardLimit: hardLimit,
		logger:    logger,
		metrics:   m,
	}
}

func (bp *backpressure) check(depth int) PressureState {
	var state PressureState
	switch {
	case depth >= bp.hardLimit:
		state = PressureCritical
	case depth >= bp.softLimit:
		state = PressureWarning
	default:
		state = PressureNormal
	}

	for {
		peak := bp.peak.Load()
		if int64(depth) <= peak || bp.peak.CompareAndSwap(peak, int64(depth)) {
			break
		}
	}

	bp.metrics.QueueDepth(depth)
	prev := PressureState(bp.state.Swap(int32(state)))
	if state != prev {
		bp.metrics.BackpressureState(int(state))
		bp.logger.Info("backpressure state changed",
			slog.Int("depth", depth),
			slog.String("state", state.String()),
			slog.Int("soft_limit", bp.softLimit),
			slog.Int("hard_limit", bp.hardLimit),
		)
	}
	return state
}

func (bp *backpressure) current() PressureState {
	return PressureState(bp.state.Load())
}

func (bp *backpressure) highWater() int {
	return int(bp.peak.Load())
}
