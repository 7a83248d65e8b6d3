package pipeline

import (
	"context"
	"fmt"
	"strings"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/config"
	"storyloom/pkg/logx"
	"storyloom/pkg/story"
	"storyloom/pkg/templates"
)

// ExtractInput is the material an extractor reads.
type ExtractInput struct {
	State    story.TurnState   // pre-turn state, for context
	Segment  string            // prose just written
	UserText string            // the user's directive for this turn
	Advance  story.TurnAdvance // turn bookkeeping carried by the patch
}

// Extraction is an extractor's result.
type Extraction struct {
	Patch    story.Patch
	Fallback bool // the model output was unusable and an empty patch was substituted
}

// Extractor infers a patch from a freshly written segment.
type Extractor interface {
	Extract(ctx context.Context, in ExtractInput) (Extraction, error)
}

// NewExtractor returns the extractor for a configured patch shape.
func NewExtractor(shape string, client llm.LLMClient, renderer *templates.Renderer, maxTokens int) (Extractor, error) {
	base := extractorBase{client: client, renderer: renderer, maxTokens: maxTokens}
	switch shape {
	case "", config.PatchShapeNarrative:
		base.logger = logx.NewLogger("pipeline").With("narrative-extractor")
		return &NarrativeExtractor{base}, nil
	case config.PatchShapeAdditive:
		base.logger = logx.NewLogger("pipeline").With("additive-extractor")
		return &AdditiveExtractor{base}, nil
	default:
		return nil, fmt.Errorf("unknown patch shape %q", shape)
	}
}

type extractorBase struct {
	client    llm.LLMClient
	renderer  *templates.Renderer
	maxTokens int
	logger    *logx.Logger
}

// complete renders both templates, calls the fast tier and decodes the JSON
// reply into v. Backend errors are returned; parse errors wrap ErrMalformedOutput.
func (e *extractorBase) complete(ctx context.Context, systemTpl, promptTpl templates.StateTemplate, data *templates.TemplateData, v any) error {
	system, err := e.renderer.Render(systemTpl, data)
	if err != nil {
		return fmt.Errorf("render extractor system prompt: %w", err)
	}
	prompt, err := e.renderer.Render(promptTpl, data)
	if err != nil {
		return fmt.Errorf("render extractor prompt: %w", err)
	}

	req := llm.NewCompletionRequest(system, prompt, e.maxTokens)
	req.Temperature = llm.TemperatureExtraction
	resp, err := e.client.Complete(llm.WithStage(ctx, StageExtractor), req)
	if err != nil {
		return fmt.Errorf("extractor: %w: %w", ErrBackendCall, err)
	}
	if err := ParseJSON(resp.Content, v); err != nil {
		e.logger.Ctx(ctx).Warn("Extractor output unusable, applying empty patch: %v (output: %q)", err, truncateForLog(resp.Content))
		return err
	}
	return nil
}

func extractorData(in ExtractInput) *templates.TemplateData {
	data := templates.WorldData(&in.State.World, 0)
	data.StoryTail = ""
	data.Segment = in.Segment
	data.UserText = in.UserText
	return data
}

// NarrativeExtractor produces NarrativeMergePatch values for the prose-graph variant.
type NarrativeExtractor struct {
	extractorBase
}

// Extract implements Extractor.
func (e *NarrativeExtractor) Extract(ctx context.Context, in ExtractInput) (Extraction, error) {
	empty := story.NarrativeMergePatch{Turn: in.Advance, Prose: in.Segment}
	if strings.TrimSpace(in.Segment) == "" {
		return Extraction{Patch: empty}, nil
	}

	var patch story.NarrativeMergePatch
	err := e.complete(ctx, templates.NarrativeExtractorSystemTemplate, templates.NarrativeExtractorTemplate, extractorData(in), &patch)
	switch {
	case isMalformed(err):
		return Extraction{Patch: empty, Fallback: true}, nil
	case err != nil:
		return Extraction{}, err
	}

	patch.Turn = in.Advance
	patch.Prose = in.Segment
	logx.Debug(ctx, "pipeline", "narrative patch: new_characters=%d new_items=%d tension_set=%t",
		len(patch.NewCharacters), len(patch.NewItems), patch.Tension.Present)
	return Extraction{Patch: patch}, nil
}

// AdditiveExtractor produces AdditivePatch values for the mapper variant.
type AdditiveExtractor struct {
	extractorBase
}

// Extract implements Extractor.
func (e *AdditiveExtractor) Extract(ctx context.Context, in ExtractInput) (Extraction, error) {
	empty := story.AdditivePatch{Turn: in.Advance, Prose: in.Segment}
	if strings.TrimSpace(in.Segment) == "" {
		return Extraction{Patch: empty}, nil
	}

	var patch story.AdditivePatch
	err := e.complete(ctx, templates.AdditiveExtractorSystemTemplate, templates.AdditiveExtractorTemplate, extractorData(in), &patch)
	switch {
	case isMalformed(err):
		return Extraction{Patch: empty, Fallback: true}, nil
	case err != nil:
		return Extraction{}, err
	}

	patch.Turn = in.Advance
	patch.Prose = in.Segment
	for i := range patch.Add.WorldFacts {
		setDefault(&patch.Add.WorldFacts[i].Source, "extractor")
	}
	for i := range patch.OverwriteWorldFacts {
		setDefault(&patch.OverwriteWorldFacts[i].NewFact.Source, "extractor")
	}
	logx.Debug(ctx, "pipeline", "additive patch: overwrites=%d facts=%d characters=%d",
		len(patch.OverwriteWorldFacts), len(patch.Add.WorldFacts), len(patch.Add.Characters))
	return Extraction{Patch: patch}, nil
}
