package pipeline

import (
	"context"
	"fmt"
	"strings"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/logx"
	"storyloom/pkg/story"
	"storyloom/pkg/templates"
)

// Values used when the model leaves a world field empty or returns no JSON.
const (
	FallbackMode    = "observer"
	FallbackTone    = "adventurous"
	FallbackSetting = "a magical place"
	FallbackGoal    = "have an adventure"
	FallbackTension = "something important has gone missing"
)

// FallbackHero is the generic character used when the cast is empty.
func FallbackHero() story.CharacterRecord {
	return story.CharacterRecord{
		Name:    "Sam",
		Who:     "a curious little explorer",
		Feeling: "excited",
		Wants:   "to find out what is around the next corner",
	}
}

// FallbackWorld is the minimal world used when world construction fails to parse.
func FallbackWorld(theme string) story.WorldSeed {
	seed := story.WorldSeed{Theme: strings.TrimSpace(theme)}
	fillWorldDefaults(&seed)
	return seed
}

// WorldResult is the outcome of world construction.
type WorldResult struct {
	Seed     story.WorldSeed
	Fallback bool // the model output was unusable and FallbackWorld was substituted
}

// WorldBuilder invents a world from the first user message.
type WorldBuilder struct {
	client    llm.LLMClient
	renderer  *templates.Renderer
	maxTokens int
	logger    *logx.Logger
}

// NewWorldBuilder creates a world builder calling client with up to maxTokens.
func NewWorldBuilder(client llm.LLMClient, renderer *templates.Renderer, maxTokens int) *WorldBuilder {
	return &WorldBuilder{
		client:    client,
		renderer:  renderer,
		maxTokens: maxTokens,
		logger:    logx.NewLogger("pipeline").With("world-builder"),
	}
}

// Build asks the backend for a world. Only backend failures are returned as
// errors; unparseable output yields the fallback world.
func (b *WorldBuilder) Build(ctx context.Context, userText, theme string) (WorldResult, error) {
	data := &templates.TemplateData{UserText: userText, Theme: theme}
	system, err := b.renderer.Render(templates.WorldBuilderSystemTemplate, data)
	if err != nil {
		return WorldResult{}, fmt.Errorf("render world builder system prompt: %w", err)
	}
	prompt, err := b.renderer.Render(templates.WorldBuilderTemplate, data)
	if err != nil {
		return WorldResult{}, fmt.Errorf("render world builder prompt: %w", err)
	}

	req := llm.NewCompletionRequest(system, prompt, b.maxTokens)
	resp, err := b.client.Complete(llm.WithStage(ctx, StageWorldBuilder), req)
	if err != nil {
		return WorldResult{}, fmt.Errorf("world builder: %w: %w", ErrBackendCall, err)
	}

	var seed story.WorldSeed
	if err := ParseJSON(resp.Content, &seed); err != nil {
		b.logger.Ctx(ctx).Warn("World builder output unusable, using fallback world: %v (output: %q)", err, truncateForLog(resp.Content))
		return WorldResult{Seed: FallbackWorld(theme), Fallback: true}, nil
	}

	if t := strings.TrimSpace(theme); t != "" {
		seed.Theme = t
	}
	fillWorldDefaults(&seed)
	logx.Debug(ctx, "pipeline", "world built: setting=%q characters=%d mode=%s", seed.Setting, len(seed.Characters), seed.Mode)
	return WorldResult{Seed: seed}, nil
}

func fillWorldDefaults(seed *story.WorldSeed) {
	setDefault(&seed.Mode, FallbackMode)
	setDefault(&seed.Tone, FallbackTone)
	setDefault(&seed.Setting, FallbackSetting)
	setDefault(&seed.Goal, FallbackGoal)
	setDefault(&seed.Tension, FallbackTension)

	named := seed.Characters[:0:0]
	for _, c := range seed.Characters {
		if strings.TrimSpace(c.Name) != "" {
			named = append(named, c)
		}
	}
	if len(named) == 0 {
		named = append(named, FallbackHero())
	}
	seed.Characters = named
}

func setDefault(field *string, fallback string) {
	if strings.TrimSpace(*field) == "" {
		*field = fallback
	}
}
