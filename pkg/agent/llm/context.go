package llm

import "context"

type stageKey struct{}

// WithStage labels calls made with ctx as belonging to a pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext returns the stage label, or "unknown".
func StageFromContext(ctx context.Context) string {
	if stage, ok := ctx.Value(stageKey{}).(string); ok && stage != "" {
		return stage
	}
	return "unknown"
}
