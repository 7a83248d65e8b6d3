package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"storyloom/pkg/limiter"
	"storyloom/pkg/metrics"
	"storyloom/pkg/persistence"
	"storyloom/pkg/pipeline"
)

var (
	// ErrBackendUnavailable aborts a turn when a backend call fails. The
	// backend's classified error stays reachable through errors.As.
	ErrBackendUnavailable = errors.New("story backend unavailable")

	// ErrThreadNotFound is returned by reads and deletes of unknown threads.
	ErrThreadNotFound = persistence.ErrThreadNotFound

	// ErrTurnConflict is returned when a thread stays busy past the lock
	// timeout, or another writer claimed the checkpoint sequence first.
	ErrTurnConflict = errors.New("another turn is in progress for this thread")

	// ErrInvalidTurn is returned for a turn without a thread id or user text.
	ErrInvalidTurn = errors.New("invalid turn request")
)

// stageError classifies a failure from one pipeline stage. Caller
// cancellation is reported as such rather than as a backend outage, and only
// failed backend calls count as BackendUnavailable.
func stageError(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("turn aborted during %s: %w", stage, ctxErr)
	}
	if errors.Is(err, pipeline.ErrBackendCall) {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, stage, err)
	}
	return fmt.Errorf("%s stage failed: %w", stage, err)
}

func lockError(err error) error {
	if errors.Is(err, limiter.ErrLockTimeout) {
		return fmt.Errorf("%w: %w", ErrTurnConflict, err)
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrBackendUnavailable):
		return metrics.OutcomeBackend
	case errors.Is(err, ErrTurnConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
