// Package metrics exposes Prometheus metrics for checkpointing, recovery and
// channel flow control of a stream vertex.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "linkflow_stream"

// ServiceMetrics groups the collectors of one vertex process.
type ServiceMetrics struct {
	checkpointsTaken    *prometheus.CounterVec
	checkpointsForced   *prometheus.CounterVec
	checkpointsFailed   *prometheus.CounterVec
	checkpointDuration  *prometheus.HistogramVec
	checkpointsRestored *prometheus.CounterVec
	recoveryLines       prometheus.Counter
	recoveryLineSize    prometheus.Gauge

	queueDepth          prometheus.Gauge
	backpressureState   prometheus.Gauge
	receptionsCancelled *prometheus.CounterVec
	flushDuration       prometheus.Histogram
	framesDropped       *prometheus.CounterVec

	messagesProcessed *prometheus.CounterVec
	operatorErrors    *prometheus.CounterVec
}

// NewServiceMetrics registers the collectors with reg.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	f := promauto.With(reg)
	return &ServiceMetrics{
		checkpointsTaken: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_taken_total",
			Help:      "Checkpoints stored by this instance.",
		}, []string{"instance"}),
		checkpointsForced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_triggered_total",
			Help:      "Checkpoints triggered per protocol.",
		}, []string{"instance", "trigger"}),
		checkpointsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_failed_total",
			Help:      "Checkpoint attempts that did not complete.",
		}, []string{"instance"}),
		checkpointDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time to snapshot and store a checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance"}),
		checkpointsRestored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_restored_total",
			Help:      "Checkpoints restored into the local registry.",
		}, []string{"instance"}),
		recoveryLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_lines_calculated_total",
			Help:      "Recovery line calculations.",
		}),
		recoveryLineSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_line_size",
			Help:      "Instances in the last calculated recovery line.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_queue_depth",
			Help:      "Messages waiting for the processing task.",
		}),
		backpressureState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_backpressure_state",
			Help:      "0 normal, 1 warning, 2 critical.",
		}),
		receptionsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_receptions_cancelled_total",
			Help:      "Receive calls aborted by a flush.",
		}, []string{"connection"}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_flush_duration_seconds",
			Help:      "Time for a flush to drain the targeted connections.",
			Buckets:   prometheus.DefBuckets,
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_frames_dropped_total",
			Help:      "Inbound frames dropped at a flush boundary.",
		}, []string{"origin"}),
		messagesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertex_messages_processed_total",
			Help:      "Messages handed to the operator.",
		}, []string{"instance"}),
		operatorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertex_operator_errors_total",
			Help:      "Messages the operator failed to process.",
		}, []string{"instance"}),
	}
}

// Discard returns metrics bound to a private registry, for tests and tools.
func Discard() *ServiceMetrics {
	return NewServiceMetrics(prometheus.NewRegistry())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// --- Checkpoint Metrics ---

func (m *ServiceMetrics) CheckpointTaken(instance string, duration time.Duration) {
	m.checkpointsTaken.WithLabelValues(instance).Inc()
	m.checkpointDuration.WithLabelValues(instance).Observe(duration.Seconds())
}

// CheckpointTriggered counts checkpoints by the protocol that asked for them.
func (m *ServiceMetrics) CheckpointTriggered(instance, trigger string) {
	m.checkpointsForced.WithLabelValues(instance, trigger).Inc()
}

func (m *ServiceMetrics) CheckpointFailed(instance string) {
	m.checkpointsFailed.WithLabelValues(instance).Inc()
}

func (m *ServiceMetrics) CheckpointRestored(instance string) {
	m.checkpointsRestored.WithLabelValues(instance).Inc()
}

func (m *ServiceMetrics) RecoveryLineCalculated(size int) {
	m.recoveryLines.Inc()
	m.recoveryLineSize.Set(float64(size))
}

// --- Flow Metrics ---

func (m *ServiceMetrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *ServiceMetrics) BackpressureState(state int) {
	m.backpressureState.Set(float64(state))
}

func (m *ServiceMetrics) ReceptionCancelled(connection string) {
	m.receptionsCancelled.WithLabelValues(connection).Inc()
}

func (m *ServiceMetrics) FlushCompleted(duration time.Duration) {
	m.flushDuration.Observe(duration.Seconds())
}

// --- Transport Metrics ---

func (m *ServiceMetrics) FrameDropped(origin string) {
	m.framesDropped.WithLabelValues(origin).Inc()
}

// --- Vertex Metrics ---

func (m *ServiceMetrics) MessageProcessed(instance string) {
	m.messagesProcessed.WithLabelValues(instance).Inc()
}

func (m *ServiceMetrics) OperatorFailed(instance string) {
	m.operatorErrors.WithLabelValues(instance).Inc()
}
