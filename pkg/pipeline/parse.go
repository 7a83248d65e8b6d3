package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stage labels attached to backend calls through llm.WithStage.
const (
	StageWorldBuilder = "world_builder"
	StageStoryteller  = "storyteller"
	StageExtractor    = "extractor"
)

var (
	// ErrMalformedOutput reports model text that did not contain the expected JSON.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrBackendCall marks a failed or unusable completion from the backend.
	// Stage errors without it are local faults such as prompt rendering.
	ErrBackendCall = errors.New("backend call failed")
)

// ParseJSON decodes the JSON object embedded in model output. Markdown code
// fences and any prose around the outermost braces are ignored.
func ParseJSON(raw string, v any) error {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	return nil
}

func truncateForLog(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOutput)
}
