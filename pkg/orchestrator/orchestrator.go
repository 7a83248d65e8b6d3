// Package orchestrator runs story turns: it loads a thread's latest
// checkpoint, drives the world builder, storyteller and extractor, folds the
// result through the reducer and appends exactly one checkpoint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyloom/pkg/limiter"
	"storyloom/pkg/logx"
	"storyloom/pkg/metrics"
	"storyloom/pkg/persistence"
	"storyloom/pkg/pipeline"
	"storyloom/pkg/story"
)

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store        persistence.CheckpointStore
	WorldBuilder *pipeline.WorldBuilder
	Storyteller  *pipeline.Storyteller
	Extractor    pipeline.Extractor
	Recorder     metrics.TurnRecorder  // optional
	OnDelete     func(threadID string) // optional, called after a thread is deleted
}

// Config holds turn policy settings.
type Config struct {
	MaxTurns    int           // 0 selects the tension-driven phase policy
	LockTimeout time.Duration // 0 waits for the caller's context
}

// TurnRequest is one user message for a thread.
type TurnRequest struct {
	ThreadID string `json:"thread_id"`
	UserText string `json:"user_text"`
	Theme    string `json:"theme,omitempty"` // only used when the thread has no checkpoint
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	ThreadID  string           `json:"thread_id"`
	StoryText string           `json:"story_text"`
	Content   string           `json:"content"`
	Turn      int              `json:"turn"`
	Phase     story.Phase      `json:"phase"`
	World     story.WorldState `json:"world_state"`
	Sequence  int64            `json:"sequence"`
}

// ThreadSummary is one row of the thread listing.
type ThreadSummary = persistence.ThreadSummary

// Orchestrator serializes turns per thread and owns checkpoint writes.
type Orchestrator struct {
	store     persistence.CheckpointStore
	world     *pipeline.WorldBuilder
	teller    *pipeline.Storyteller
	extractor pipeline.Extractor
	recorder  metrics.TurnRecorder
	onDelete  func(string)
	locks     *limiter.Limiter
	maxTurns  int
	logger    *logx.Logger
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: checkpoint store is required")
	case deps.WorldBuilder == nil:
		return nil, errors.New("orchestrator: world builder is required")
	case deps.Storyteller == nil:
		return nil, errors.New("orchestrator: storyteller is required")
	case deps.Extractor == nil:
		return nil, errors.New("orchestrator: extractor is required")
	}
	if cfg.MaxTurns < 0 {
		return nil, fmt.Errorf("orchestrator: max turns must not be negative, got %d", cfg.MaxTurns)
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NopTurnRecorder{}
	}

	return &Orchestrator{
		store:     deps.Store,
		world:     deps.WorldBuilder,
		teller:    deps.Storyteller,
		extractor: deps.Extractor,
		recorder:  recorder,
		onDelete:  deps.OnDelete,
		locks:     limiter.NewLimiter(cfg.LockTimeout),
		maxTurns:  cfg.MaxTurns,
		logger:    logx.NewLogger("orchestrator"),
	}, nil
}

// Turn runs one full turn for req.ThreadID. On any error no checkpoint is
// written and the thread is left as it was.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" {
		return nil, fmt.Errorf("%w: thread_id is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(req.UserText) == "" {
		return nil, fmt.Errorf("%w: user_text is required", ErrInvalidTurn)
	}

	ctx = logx.WithThreadID(ctx, req.ThreadID)
	start := time.Now()

	release, waited, err := o.locks.Acquire(ctx, req.ThreadID)
	o.recorder.ObserveLockWait(waited)
	if err != nil {
		err = lockError(err)
		o.logger.Ctx(ctx).Warn("Turn not started after waiting %s: %v", waited.Round(time.Millisecond), err)
		o.recorder.ObserveTurn("", outcomeOf(err), time.Since(start))
		return nil, err
	}
	defer release()
	if waited > time.Second {
		o.logger.Ctx(ctx).Info("Waited %s for an in-flight turn", waited.Round(time.Millisecond))
	}

	result, err := o.runTurn(ctx, req)
	phase := ""
	if result != nil {
		phase = string(result.Phase)
	}
	o.recorder.ObserveTurn(phase, outcomeOf(err), time.Since(start))
	if err != nil {
		o.logger.Ctx(ctx).Warn("Turn aborted: %v", err)
		return nil, err
	}
	return result, nil
}

// runTurn must be called with the thread's lock held.
func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	state, messages, sequence, err := o.load(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	policy := story.Policy{MaxTurns: state.Progress.MaxTurns}

	if state.World.NeedsWorld() {
		built, err := o.world.Build(ctx, req.UserText, req.Theme)
		if err != nil {
			return nil, stageError(ctx, pipeline.StageWorldBuilder, err)
		}
		if built.Fallback {
			o.recorder.ObserveFallback(pipeline.StageWorldBuilder)
		}
		state = story.Reduce(state, built.Seed)
		o.logger.Ctx(ctx).Info("World built (fallback=%t)", built.Fallback)
	}

	turn := state.Progress.Turn + 1
	phase := policy.Decide(turn, state.World.Tension, req.UserText, state.Progress.Phase)

	segment, err := o.teller.Tell(ctx, pipeline.TellInput{
		State:    state,
		Turn:     turn,
		Phase:    phase,
		UserText: req.UserText,
	})
	if err != nil {
		return nil, stageError(ctx, pipeline.StageStoryteller, err)
	}

	extraction, err := o.extractor.Extract(ctx, pipeline.ExtractInput{
		State:    state,
		Segment:  segment,
		UserText: req.UserText,
		Advance:  story.TurnAdvance{Increment: 1, Phase: phase},
	})
	if err != nil {
		return nil, stageError(ctx, pipeline.StageExtractor, err)
	}
	if extraction.Fallback {
		o.recorder.ObserveFallback(pipeline.StageExtractor)
		o.logger.Ctx(ctx).Warn("Extraction fallback on turn %d, keeping prior facts", turn)
	}

	next := story.Reduce(state, extraction.Patch)
	next.Progress.Phase = policy.Decide(next.Progress.Turn, next.World.Tension, req.UserText, next.Progress.Phase)

	messages = append(messages, story.UserMessage(req.UserText), story.AssistantMessage(segment))

	// Nothing is written once the caller has gone away.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn aborted before checkpoint: %w", err)
	}

	cp := &story.Checkpoint{
		ThreadID: req.ThreadID,
		Sequence: sequence + 1,
		World:    next.World,
		Progress: next.Progress,
		Messages: messages,
	}
	if err := o.store.Save(ctx, cp); err != nil {
		if errors.Is(err, persistence.ErrSequenceConflict) {
			return nil, fmt.Errorf("%w: %w", ErrTurnConflict, err)
		}
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	o.logger.Ctx(ctx).Info("Turn %d (%s) saved as checkpoint %d", next.Progress.Turn, next.Progress.Phase, cp.Sequence)

	return &TurnResult{
		ThreadID:  req.ThreadID,
		StoryText: segment,
		Content:   story.ReconstructContent(messages),
		Turn:      next.Progress.Turn,
		Phase:     next.Progress.Phase,
		World:     next.World,
		Sequence:  cp.Sequence,
	}, nil
}

// load returns the thread's latest state, or a fresh state for a new thread.
func (o *Orchestrator) load(ctx context.Context, threadID string) (story.TurnState, []story.Message, int64, error) {
	cp, err := o.store.Latest(ctx, threadID)
	switch {
	case errors.Is(err, persistence.ErrThreadNotFound):
		logx.Debug(ctx, "orchestrator", "new thread %s", threadID)
		return story.NewTurnState(o.maxTurns), nil, 0, nil
	case err != nil:
		return story.TurnState{}, nil, 0, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	messages := append([]story.Message(nil), cp.Messages...)
	return cp.State(), messages, cp.Sequence, nil
}

// Get returns the latest checkpoint of a thread.
func (o *Orchestrator) Get(ctx context.Context, threadID string) (*story.Checkpoint, error) {
	cp, err := o.store.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return cp, nil
}

// History returns every checkpoint of a thread in sequence order.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]*story.Checkpoint, error) {
	history, err := o.store.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("history of thread %s: %w", threadID, err)
	}
	return history, nil
}

// List returns one summary per thread, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]ThreadSummary, error) {
	summaries, err := persistence.ListSummaries(ctx, o.store)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return summaries, nil
}

// Delete removes every checkpoint of a thread. It waits for an in-flight
// turn on the thread to finish first.
func (o *Orchestrator) Delete(ctx context.Context, threadID string) error {
	release, _, err := o.locks.Acquire(ctx, threadID)
	if err != nil {
		return lockError(err)
	}
	defer release()

	if err := o.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	if o.onDelete != nil {
		o.onDelete(threadID)
	}
	o.logger.Info("Deleted thread %s", threadID)
	return nil
}
