package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeBackend  = "backend_error"
	OutcomeConflict = "conflict"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// TurnRecorder observes orchestrator activity.
type TurnRecorder interface {
	ObserveTurn(phase, outcome string, duration time.Duration)
	ObserveFallback(stage string)
	ObserveLockWait(wait time.Duration)
}

// NopTurnRecorder discards observations.
type NopTurnRecorder struct{}

// ObserveTurn implements TurnRecorder.
func (NopTurnRecorder) ObserveTurn(string, string, time.Duration) {}

// ObserveFallback implements TurnRecorder.
func (NopTurnRecorder) ObserveFallback(string) {}

// ObserveLockWait implements TurnRecorder.
func (NopTurnRecorder) ObserveLockWait(time.Duration) {}

// TurnMetrics implements TurnRecorder with Prometheus collectors.
type TurnMetrics struct {
	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec
	lockWait       prometheus.Histogram
}

// NewTurnMetrics registers the turn collectors on reg.
func NewTurnMetrics(reg prometheus.Registerer, namespace string) *TurnMetrics {
	factory := promauto.With(reg)
	return &TurnMetrics{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "story_turns_total",
				Help:      "Completed and aborted story turns by resulting phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "story_turn_duration_seconds",
				Help:      "Wall time of a story turn including all backend calls",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"outcome"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "story_stage_fallbacks_total",
				Help:      "Stage outputs that failed to parse and were replaced by a fallback",
			},
			[]string{"stage"},
		),
		lockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "story_lock_wait_seconds",
				Help:      "Time spent waiting for a thread's turn lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
	}
}

// ObserveTurn implements TurnRecorder.
func (m *TurnMetrics) ObserveTurn(phase, outcome string, duration time.Duration) {
	if phase == "" {
		phase = "none"
	}
	m.turnsTotal.WithLabelValues(phase, outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFallback implements TurnRecorder.
func (m *TurnMetrics) ObserveFallback(stage string) {
	m.fallbacksTotal.WithLabelValues(stage).Inc()
}

// ObserveLockWait implements TurnRecorder.
func (m *TurnMetrics) ObserveLockWait(wait time.Duration) {
	m.lockWait.Observe(wait.Seconds())
}
