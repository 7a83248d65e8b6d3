package persistence

import (
	"context"
	"errors"
	"time"

	"storyloom/pkg/story"
)

var (
	// ErrThreadNotFound is returned when a thread has no checkpoints.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrSequenceConflict is returned when a checkpoint with the same
	// thread and sequence already exists.
	ErrSequenceConflict = errors.New("checkpoint sequence already written")
)

// CheckpointStore is durable append-only storage of story checkpoints.
type CheckpointStore interface {
	// Save appends cp. Checkpoints are never updated in place.
	Save(ctx context.Context, cp *story.Checkpoint) error
	// Latest returns the checkpoint with the highest sequence for threadID.
	Latest(ctx context.Context, threadID string) (*story.Checkpoint, error)
	// History returns every checkpoint for threadID in sequence order.
	History(ctx context.Context, threadID string) ([]*story.Checkpoint, error)
	// ListLatest returns the latest checkpoint of every thread, newest first.
	ListLatest(ctx context.Context) ([]*story.Checkpoint, error)
	// Delete removes all checkpoints for threadID.
	Delete(ctx context.Context, threadID string) error
	// Close releases the store.
	Close() error
}

// ThreadLister is implemented by stores that can list threads without
// decoding checkpoint payloads.
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]ThreadSummary, error)
}

// ThreadSummary is the listing row of a thread's latest checkpoint.
type ThreadSummary struct {
	ThreadID       string      `json:"thread_id"`
	Theme          string      `json:"theme"`
	ContentPreview string      `json:"content_preview"`
	Turn           int         `json:"turn"`
	Phase          story.Phase `json:"phase"`
	Sequence       int64       `json:"sequence"`
	CreatedAt      time.Time   `json:"created_at"`
}

// SummaryOf derives the listing row of cp.
func SummaryOf(cp *story.Checkpoint) ThreadSummary {
	return ThreadSummary{
		ThreadID:       cp.ThreadID,
		Theme:          story.ExtractTheme(&cp.World),
		ContentPreview: story.ContentPreview(story.ReconstructContent(cp.Messages)),
		Turn:           cp.Progress.Turn,
		Phase:          cp.Progress.Phase,
		Sequence:       cp.Sequence,
		CreatedAt:      cp.CreatedAt,
	}
}

// ListSummaries returns one summary per thread, newest first. Stores that
// implement ThreadLister answer from their listing columns; the rest decode
// their latest checkpoints.
func ListSummaries(ctx context.Context, store CheckpointStore) ([]ThreadSummary, error) {
	if lister, ok := store.(ThreadLister); ok {
		return lister.ListThreads(ctx) //nolint:wrapcheck // store errors are already descriptive
	}
	latest, err := store.ListLatest(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck // store errors are already descriptive
	}
	out := make([]ThreadSummary, 0, len(latest))
	for _, cp := range latest {
		out = append(out, SummaryOf(cp))
	}
	return out, nil
}
