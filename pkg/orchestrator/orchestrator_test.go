package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/mocks"
	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
	"storyloom/pkg/config"
	"storyloom/pkg/persistence"
	"storyloom/pkg/pipeline"
	"storyloom/pkg/story"
	"storyloom/pkg/templates"
)

const (
	dragonWorld = `{"theme":"baking","mode":"observer","tone":"cozy","setting":"a bakery in the clouds",` +
		`"goal":"bake the moon cake","tension":"the oven has gone cold",` +
		`"characters":[{"name":"Pip","who":"a shy dragon who loves baking"}]}`
	mouseWorld = `{"mode":"participant","tone":"brave","setting":"a barn","goal":"find the cheese",` +
		`"tension":"a cat guards the door","characters":["Mouse - a tiny explorer"],` +
		`"world_facts":[{"text":"Mouse is scared of cats","source":"user"}]}`
)

type fakeRecorder struct {
	mu        sync.Mutex
	outcomes  []string
	fallbacks []string
}

func (r *fakeRecorder) ObserveTurn(_, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) ObserveFallback(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, stage)
}

func (r *fakeRecorder) ObserveLockWait(time.Duration) {}

type harness struct {
	orch     *Orchestrator
	store    persistence.CheckpointStore
	client   *mocks.LLMClient
	recorder *fakeRecorder
	deleted  []string
}

func newHarness(t *testing.T, shape string, cfg Config) *harness {
	t.Helper()

	renderer, err := templates.NewRenderer()
	require.NoError(t, err)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "stories.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := mocks.NewLLMClient()
	extractor, err := pipeline.NewExtractor(shape, client, renderer, 400)
	require.NoError(t, err)

	h := &harness{store: store, client: client, recorder: &fakeRecorder{}}
	h.orch, err = New(Deps{
		Store:        store,
		WorldBuilder: pipeline.NewWorldBuilder(client, renderer, 500),
		Storyteller: pipeline.NewStoryteller(client, renderer, pipeline.StorytellerConfig{
			TailChars:           500,
			SegmentMaxTokens:    250,
			ResolutionMaxTokens: 700,
			ResolveOpenTension:  true,
		}),
		Extractor: extractor,
		Recorder:  h.recorder,
		OnDelete:  func(id string) { h.deleted = append(h.deleted, id) },
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) turn(t *testing.T, threadID, userText string) *TurnResult {
	t.Helper()
	res, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: threadID, UserText: userText})
	require.NoError(t, err)
	return res
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestInvalidTurn(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})

	_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: " ", UserText: "hello"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "  "})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	assert.Zero(t, h.client.CallCount())
}

func TestScenarioFixedBudget(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{MaxTurns: 3})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Pip opened the bakery.", "The oven sputtered.", "The moon cake was perfect."},
		pipeline.StageExtractor:    {`{"new_items":["whisk"]}`, `{}`, `{}`},
	})

	first := h.turn(t, "dragon", "a shy dragon who loves baking")
	assert.Equal(t, 1, first.Turn)
	assert.Equal(t, story.PhaseSetup, first.Phase)
	assert.Equal(t, "Introduction", first.Phase.Label())
	require.NotNil(t, first.World.Setting)
	assert.Equal(t, "a bakery in the clouds", *first.World.Setting)
	assert.Equal(t, []string{"whisk"}, first.World.Items)
	assert.Equal(t, "Pip opened the bakery.", first.StoryText)
	assert.True(t, h.client.Sent("TURN 1 of 3: Introduction"))

	second := h.turn(t, "dragon", "she tries to light the oven")
	assert.Equal(t, 2, second.Turn)
	assert.Equal(t, story.PhaseRising, second.Phase)

	third := h.turn(t, "dragon", "her friends come to help")
	assert.Equal(t, 3, third.Turn)
	assert.Equal(t, story.PhaseResolution, third.Phase)
	assert.True(t, h.client.Sent("FINAL TURN"))
	assert.Equal(t, "Pip opened the bakery.\n\nThe oven sputtered.\n\nThe moon cake was perfect.", third.Content)

	assert.Equal(t, 1, h.client.StageCalls(pipeline.StageWorldBuilder))
	assert.Equal(t, 3, h.client.StageCalls(pipeline.StageStoryteller))
	assert.Equal(t, 3, h.client.StageCalls(pipeline.StageExtractor))

	history, err := h.orch.History(context.Background(), "dragon")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, cp := range history {
		assert.Equal(t, int64(i+1), cp.Sequence)
		assert.Len(t, cp.Messages, 2*(i+1))
	}
}

func TestScenarioTensionResolves(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"One.", "Two.", "Three."},
		pipeline.StageExtractor:    {`{}`, `{"tension":"the flour is missing"}`, `{"tension":null}`},
	})

	first := h.turn(t, "t", "a dragon bakes")
	assert.Equal(t, story.PhaseSetup, first.Phase)
	assert.Equal(t, "the oven has gone cold", story.Deref(first.World.Tension, ""))

	second := h.turn(t, "t", "more")
	assert.Equal(t, story.PhaseRising, second.Phase)
	assert.Equal(t, "the flour is missing", story.Deref(second.World.Tension, ""))

	third := h.turn(t, "t", "and then")
	assert.Nil(t, third.World.Tension)
	assert.Equal(t, story.PhaseResolution, third.Phase)

	// Resolution is absorbing.
	fourth := h.turn(t, "t", "keep going")
	assert.Equal(t, story.PhaseResolution, fourth.Phase)
}

func TestScenarioEndingSignal(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{MaxTurns: 10})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Once upon a time.", "And they all went home."},
		pipeline.StageExtractor:    {`{}`},
	})

	h.turn(t, "t", "a dragon")
	second := h.turn(t, "t", "and that was the end")
	assert.Equal(t, 2, second.Turn)
	assert.Equal(t, story.PhaseResolution, second.Phase)
	assert.NotNil(t, second.World.Tension)
	assert.True(t, h.client.Sent("Gently resolve this problem"))
}

func TestScenarioOverwriteWorldFacts(t *testing.T) {
	h := newHarness(t, config.PatchShapeAdditive, Config{MaxTurns: 5})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {mouseWorld},
		pipeline.StageStoryteller:  {"Mouse peeked out.", "Mouse stood tall before the cat."},
		pipeline.StageExtractor: {
			`{"add":{"inventory":["cheese crumb"]}}`,
			`{"overwrite_world_facts":[{"old_text":"Mouse is scared of cats","new_fact":{"text":"Mouse is brave now","source":"extractor"}}]}`,
		},
	})

	first := h.turn(t, "mouse", "a mouse in a barn")
	assert.Equal(t, []story.WorldFact{{Text: "Mouse is scared of cats", Source: "user"}}, first.World.WorldFacts)
	assert.Equal(t, []string{"cheese crumb"}, first.World.Items)

	second := h.turn(t, "mouse", "the mouse faces the cat")
	assert.Equal(t, []story.WorldFact{{Text: "Mouse is brave now", Source: "extractor"}}, second.World.WorldFacts)
	require.Len(t, second.World.Retcons, 1)
	assert.Equal(t, story.Retcon{Turn: 2, OldText: "Mouse is scared of cats", NewText: "Mouse is brave now"}, second.World.Retcons[0])
}

func TestExtractionFallbackKeepsFacts(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"First.", "Second."},
		pipeline.StageExtractor:    {`{"new_items":["whisk"]}`, "I could not find any changes, sorry!"},
	})

	first := h.turn(t, "t", "a dragon")
	second := h.turn(t, "t", "next")

	expected := first.World.Clone()
	expected.StorySoFar = "First.\n\nSecond."
	assert.Equal(t, expected, second.World)
	assert.Equal(t, 2, second.Turn)
	assert.Equal(t, []string{pipeline.StageExtractor}, h.recorder.fallbacks)
}

func TestWorldBuilderFallback(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {"Here is a lovely world for you!"},
		pipeline.StageStoryteller:  {"Sam set off."},
		pipeline.StageExtractor:    {`{}`},
	})

	res, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "anything", Theme: "space"})
	require.NoError(t, err)
	assert.Equal(t, "space", res.World.Theme)
	assert.Equal(t, pipeline.FallbackSetting, story.Deref(res.World.Setting, ""))
	assert.Contains(t, h.recorder.fallbacks, pipeline.StageWorldBuilder)
}

func TestThemeOnlyAppliesToNewThread(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"A.", "B."},
		pipeline.StageExtractor:    {`{}`},
	})

	_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "go", Theme: "pirates"})
	require.NoError(t, err)
	res, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "go on", Theme: "robots"})
	require.NoError(t, err)

	assert.Equal(t, "pirates", res.World.Theme)
	assert.Equal(t, 1, h.client.StageCalls(pipeline.StageWorldBuilder))
}

func TestBackendFailureLeavesThreadUnchanged(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"First."},
		pipeline.StageExtractor:    {`{}`},
	})
	h.turn(t, "t", "a dragon")

	authErr := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")
	h.client.Fail(authErr)

	_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "again"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	var llmErr *llmerrors.Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llmerrors.ErrorTypeAuth, llmErr.Type)

	cp, err := h.orch.Get(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Sequence)
	assert.Equal(t, 1, cp.Progress.Turn)
	assert.Contains(t, h.recorder.outcomes, "backend_error")
}

func TestBackendFailureOnNewThreadWritesNothing(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Fail(errors.New("connection refused"))

	_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "hello"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = h.orch.Get(context.Background(), "t")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestCancellationMidTurnWritesNothing(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"First."},
		pipeline.StageExtractor:    {`{}`},
	})
	scripted := h.client.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.client.OnComplete(func(callCtx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if llm.StageFromContext(callCtx) == pipeline.StageExtractor {
			cancel()
			return llm.CompletionResponse{}, callCtx.Err()
		}
		return scripted(callCtx, req)
	})

	_, err := h.orch.Turn(ctx, TurnRequest{ThreadID: "t", UserText: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	_, err = h.orch.Get(context.Background(), "t")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.Contains(t, h.recorder.outcomes, "canceled")
}

func TestConcurrentTurnsSerialize(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Something happened."},
		pipeline.StageExtractor:    {`{}`},
	})
	scripted := h.client.Current()
	h.client.OnComplete(func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		time.Sleep(5 * time.Millisecond)
		return scripted(ctx, req)
	})

	const turns = 4
	var wg sync.WaitGroup
	errs := make(chan error, turns*2)
	for i := 0; i < turns; i++ {
		for _, thread := range []string{"a", "b"} {
			wg.Add(1)
			go func(thread string) {
				defer wg.Done()
				_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: thread, UserText: "go on"})
				errs <- err
			}(thread)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, thread := range []string{"a", "b"} {
		cp, err := h.orch.Get(context.Background(), thread)
		require.NoError(t, err)
		assert.Equal(t, int64(turns), cp.Sequence)
		assert.Equal(t, turns, cp.Progress.Turn)
		assert.Len(t, cp.Messages, 2*turns)
	}
	assert.Equal(t, 2, h.client.StageCalls(pipeline.StageWorldBuilder))
}

func TestLockTimeoutIsConflict(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{LockTimeout: 20 * time.Millisecond})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Slowly."},
		pipeline.StageExtractor:    {`{}`},
	})
	scripted := h.client.Current()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.client.OnComplete(func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return scripted(ctx, req)
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "first"})
		done <- err
	}()
	<-entered

	_, err := h.orch.Turn(context.Background(), TurnRequest{ThreadID: "t", UserText: "second"})
	assert.ErrorIs(t, err, ErrTurnConflict)

	close(unblock)
	require.NoError(t, <-done)
	assert.Contains(t, h.recorder.outcomes, "conflict")
}

func TestListAndDelete(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Pip baked bread."},
		pipeline.StageExtractor:    {`{}`},
	})
	h.turn(t, "one", "a dragon")
	h.turn(t, "two", "another dragon")
	h.turn(t, "one", "more bread")

	summaries, err := h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "one", summaries[0].ThreadID)
	assert.Equal(t, 2, summaries[0].Turn)
	assert.Equal(t, "baking", summaries[0].Theme)
	assert.Equal(t, "Pip baked bread.\n\nPip baked bread.", summaries[0].ContentPreview)

	require.NoError(t, h.orch.Delete(context.Background(), "one"))
	assert.Equal(t, []string{"one"}, h.deleted)

	_, err = h.orch.Get(context.Background(), "one")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.ErrorIs(t, h.orch.Delete(context.Background(), "one"), ErrThreadNotFound)

	summaries, err = h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "two", summaries[0].ThreadID)
}

// columnsOnly fails any listing that decodes checkpoint payloads.
type columnsOnly struct{ *persistence.SQLiteStore }

func (columnsOnly) ListLatest(context.Context) ([]*story.Checkpoint, error) {
	return nil, errors.New("listing decoded checkpoints")
}

func TestListReadsSummaryColumns(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Pip baked bread."},
		pipeline.StageExtractor:    {`{}`},
	})
	h.turn(t, "one", "a dragon")

	sqliteStore, ok := h.store.(*persistence.SQLiteStore)
	require.True(t, ok)
	h.orch.store = columnsOnly{sqliteStore}

	summaries, err := h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "baking", summaries[0].Theme)
	assert.Equal(t, "Pip baked bread.", summaries[0].ContentPreview)
	assert.Equal(t, story.PhaseSetup, summaries[0].Phase)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, config.PatchShapeNarrative, Config{})
	h.client.Script(map[string][]string{
		pipeline.StageWorldBuilder: {dragonWorld},
		pipeline.StageStoryteller:  {"Pip lit the oven.", "Pip baked bread."},
		pipeline.StageExtractor:    {`{}`},
	})
	h.turn(t, "one", "a dragon")
	h.turn(t, "one", "more bread")

	history, err := h.orch.History(context.Background(), "one")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Progress.Turn)
	assert.Equal(t, "Pip baked bread.", story.LastAssistant(history[1].Messages))

	_, err = h.orch.History(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
