// Package metrics provides story-level instrumentation and per-thread usage queries.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "storyloom/pkg/agent/middleware/metrics"
)

// UsageSource reports aggregated backend usage for a thread.
type UsageSource interface {
	ThreadUsage(ctx context.Context, threadID string) (*llmmetrics.ThreadUsage, error)
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client    api.Client
	queryAPI  v1.API
	namespace string
}

// NewQueryService creates a new metrics query service. namespace must match
// the one the LLM recorder registered its collectors under.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:    client,
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
	}, nil
}

// ThreadUsage retrieves aggregated token and cost metrics for a thread across
// all stages and models.
func (q *QueryService) ThreadUsage(ctx context.Context, threadID string) (*llmmetrics.ThreadUsage, error) {
	usage := &llmmetrics.ThreadUsage{
		ThreadID:    threadID,
		LastUpdated: time.Now(),
	}

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{thread_id=%q, type="prompt"})`, q.metric("llm_tokens_total"), threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	usage.PromptTokens = int64(prompt)

	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{thread_id=%q, type="completion"})`, q.metric("llm_tokens_total"), threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	usage.CompletionTokens = int64(completion)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	requests, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{thread_id=%q, status="success"})`, q.metric("llm_requests_total"), threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	usage.RequestCount = int64(requests)

	cost, err := q.scalar(ctx, fmt.Sprintf(`sum(%s{thread_id=%q})`, q.metric("llm_costs_total"), threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	usage.TotalCost = cost

	return usage, nil
}

func (q *QueryService) metric(name string) string {
	if q.namespace == "" {
		return name
	}
	return q.namespace + "_" + name
}

// scalar runs an instant query and returns the first sample, or 0 for an empty result.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // callers add context
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// InternalUsage serves usage from the in-process recorder.
type InternalUsage struct {
	recorder *llmmetrics.InternalRecorder
}

// NewInternalUsage wraps recorder as a UsageSource.
func NewInternalUsage(recorder *llmmetrics.InternalRecorder) *InternalUsage {
	return &InternalUsage{recorder: recorder}
}

// ThreadUsage returns the recorder's totals, or zeroes for a thread with no calls.
func (i *InternalUsage) ThreadUsage(_ context.Context, threadID string) (*llmmetrics.ThreadUsage, error) {
	if usage := i.recorder.ThreadUsage(threadID); usage != nil {
		return usage, nil
	}
	return &llmmetrics.ThreadUsage{ThreadID: threadID}, nil
}
