package metrics

import (
	"sync"
	"time"
)

// InternalRecorder aggregates usage per thread in memory. It backs the usage
// endpoint when no Prometheus server is configured.
type InternalRecorder struct {
	threads map[string]*ThreadUsage
	mu      sync.RWMutex
}

// ThreadUsage represents aggregated backend usage for one story thread.
//
//nolint:govet
type ThreadUsage struct {
	ThreadID         string    `json:"thread_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{
		threads: make(map[string]*ThreadUsage),
	}
}

// ObserveRequest folds a successful call into its thread's totals.
func (r *InternalRecorder) ObserveRequest(obs Observation) {
	if !obs.Success || obs.ThreadID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage, exists := r.threads[obs.ThreadID]
	if !exists {
		usage = &ThreadUsage{ThreadID: obs.ThreadID}
		r.threads[obs.ThreadID] = usage
	}

	usage.PromptTokens += int64(obs.PromptTokens)
	usage.CompletionTokens += int64(obs.CompletionTokens)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.TotalCost += obs.Cost
	usage.RequestCount++
	usage.LastUpdated = time.Now()
}

// ThreadUsage returns a copy of the totals for threadID, or nil.
func (r *InternalRecorder) ThreadUsage(threadID string) *ThreadUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if usage, exists := r.threads[threadID]; exists {
		out := *usage
		return &out
	}
	return nil
}

// Forget drops a thread's totals, used when the thread is deleted.
func (r *InternalRecorder) Forget(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
}
