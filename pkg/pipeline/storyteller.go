package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
	"storyloom/pkg/logx"
	"storyloom/pkg/story"
	"storyloom/pkg/templates"
)

// preamblePattern matches boilerplate such as "Here is the next part of the story:".
var preamblePattern = regexp.MustCompile(`(?i)^\s*(?:sure[!,.]?\s*)?here(?:\s+is|'s|’s)\s+(?:the\s+|a\s+)?(?:next|first|final|opening|closing)?\s*(?:part|segment|continuation|section|installment)[^:\n]*:\s*`)

// StripPreamble removes a leading "Here is the next part..." line from model prose.
func StripPreamble(text string) string {
	return strings.TrimSpace(preamblePattern.ReplaceAllString(text, ""))
}

// StorytellerConfig bounds the storyteller prompt and output.
type StorytellerConfig struct {
	TailChars           int  // prior prose included in the prompt
	SegmentMaxTokens    int  // budget for setup, rising and climax segments
	ResolutionMaxTokens int  // budget for the closing segment
	ResolveOpenTension  bool // ask for the open tension to be resolved in the final phase
}

// TellInput is everything the storyteller renders from.
type TellInput struct {
	State    story.TurnState
	Turn     int         // number of the turn being written
	Phase    story.Phase // phase decided for Turn
	UserText string
}

// Storyteller renders the next prose segment. It never mutates state.
type Storyteller struct {
	client   llm.LLMClient
	renderer *templates.Renderer
	cfg      StorytellerConfig
	logger   *logx.Logger
}

// NewStoryteller creates a storyteller.
func NewStoryteller(client llm.LLMClient, renderer *templates.Renderer, cfg StorytellerConfig) *Storyteller {
	return &Storyteller{
		client:   client,
		renderer: renderer,
		cfg:      cfg,
		logger:   logx.NewLogger("pipeline").With("storyteller"),
	}
}

// MaxTokens returns the output budget for phase.
func (s *Storyteller) MaxTokens(phase story.Phase) int {
	if phase == story.PhaseResolution {
		return s.cfg.ResolutionMaxTokens
	}
	return s.cfg.SegmentMaxTokens
}

// Tell returns the next segment with any boilerplate preamble removed.
func (s *Storyteller) Tell(ctx context.Context, in TellInput) (string, error) {
	data := templates.WorldData(&in.State.World, s.cfg.TailChars)
	data.UserText = in.UserText
	data.Turn = in.Turn
	data.MaxTurns = in.State.Progress.MaxTurns
	data.Phase = string(in.Phase)
	data.PhaseLabel = in.Phase.Label()
	data.ResolveTension = s.cfg.ResolveOpenTension

	system, err := s.renderer.Render(templates.StorytellerSystemTemplate, data)
	if err != nil {
		return "", fmt.Errorf("render storyteller system prompt: %w", err)
	}
	prompt, err := s.renderer.Render(templates.StorytellerTemplate, data)
	if err != nil {
		return "", fmt.Errorf("render storyteller prompt: %w", err)
	}

	req := llm.NewCompletionRequest(system, prompt, s.MaxTokens(in.Phase))
	resp, err := s.client.Complete(llm.WithStage(ctx, StageStoryteller), req)
	if err != nil {
		return "", fmt.Errorf("storyteller: %w: %w", ErrBackendCall, err)
	}

	segment := StripPreamble(resp.Content)
	if segment == "" {
		return "", fmt.Errorf("storyteller: %w: %w", ErrBackendCall, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "segment was empty after removing preamble"))
	}
	s.logger.Ctx(ctx).Info("Segment written: turn=%d phase=%s chars=%d", in.Turn, in.Phase, len(segment))
	return segment, nil
}
