// Package metrics records per-call backend usage for LLM clients.
package metrics

import (
	"time"
)

// Observation is one completed backend call.
type Observation struct {
	Model            string
	Stage            string
	ThreadID         string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Duration         time.Duration
	Success          bool
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(obs Observation)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_ Observation) {}

// Multi fans an observation out to several recorders.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

type multiRecorder []Recorder

func (m multiRecorder) ObserveRequest(obs Observation) {
	for _, r := range m {
		r.ObserveRequest(obs)
	}
}
