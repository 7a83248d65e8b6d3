// Package templates provides template rendering for stage prompts.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"storyloom/pkg/story"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Extra    map[string]any `json:"extra,omitempty"`
	UserText string         `json:"user_text"`
	Theme    string         `json:"theme,omitempty"`
	// Arc position of the turn being written
	Turn       int    `json:"turn"`
	MaxTurns   int    `json:"max_turns,omitempty"`
	Phase      string `json:"phase"`
	PhaseLabel string `json:"phase_label"`
	// World state flattened for prompts
	Mode          string                `json:"mode,omitempty"`
	Tone          string                `json:"tone,omitempty"`
	Setting       string                `json:"setting,omitempty"`
	Goal          string                `json:"goal,omitempty"`
	Tension       string                `json:"tension,omitempty"`
	Characters    []string              `json:"characters,omitempty"`
	Relationships []string              `json:"relationships,omitempty"`
	Items         []string              `json:"items,omitempty"`
	WorldFacts    []string              `json:"world_facts,omitempty"`
	Narrative     *story.NarrativeState `json:"narrative,omitempty"`
	StoryTail     string                `json:"story_tail,omitempty"` // Bounded tail of prior prose
	Segment       string                `json:"segment,omitempty"`    // Freshly generated prose for extraction
	// Storyteller asks for the open tension to be resolved in the final phase
	ResolveTension bool `json:"resolve_tension,omitempty"`
}

// StateTemplate names an embedded prompt template.
type StateTemplate string

const (
	// WorldBuilderSystemTemplate is the system prompt for world construction.
	WorldBuilderSystemTemplate StateTemplate = "world_builder_system.tpl.md"
	// WorldBuilderTemplate is the user prompt carrying the first message.
	WorldBuilderTemplate StateTemplate = "world_builder.tpl.md"

	// StorytellerSystemTemplate is the system prompt for segment rendering.
	StorytellerSystemTemplate StateTemplate = "storyteller_system.tpl.md"
	// StorytellerTemplate is the per-turn prompt with world state and phase guidance.
	StorytellerTemplate StateTemplate = "storyteller.tpl.md"

	// NarrativeExtractorSystemTemplate is the system prompt for the prose-graph extractor.
	NarrativeExtractorSystemTemplate StateTemplate = "narrative_extractor_system.tpl.md"
	// NarrativeExtractorTemplate carries the segment to analyze.
	NarrativeExtractorTemplate StateTemplate = "narrative_extractor.tpl.md"

	// AdditiveExtractorSystemTemplate is the system prompt for the mapper extractor.
	AdditiveExtractorSystemTemplate StateTemplate = "additive_extractor_system.tpl.md"
	// AdditiveExtractorTemplate carries known facts and the segment.
	AdditiveExtractorTemplate StateTemplate = "additive_extractor.tpl.md"
)

// Renderer handles prompt template rendering.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer creates a new template renderer.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
	}

	templateNames := []StateTemplate{
		// World builder.
		WorldBuilderSystemTemplate,
		WorldBuilderTemplate,
		// Storyteller.
		StorytellerSystemTemplate,
		StorytellerTemplate,
		// Extractors.
		NarrativeExtractorSystemTemplate,
		NarrativeExtractorTemplate,
		AdditiveExtractorSystemTemplate,
		AdditiveExtractorTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"join":     strings.Join,
			"contains": strings.Contains,
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}
	if data == nil {
		data = &TemplateData{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// GetAvailableTemplates returns a list of all available templates.
func (r *Renderer) GetAvailableTemplates() []StateTemplate {
	templates := make([]StateTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	return templates
}

// WorldData flattens a world into prompt data. tailChars bounds the prior
// prose included; 0 includes all of it.
func WorldData(w *story.WorldState, tailChars int) *TemplateData {
	data := &TemplateData{
		Theme:         w.Theme,
		Tone:          story.Deref(w.Tone, ""),
		Setting:       story.Deref(w.Setting, ""),
		Goal:          story.Deref(w.Goal, ""),
		Tension:       story.Deref(w.Tension, ""),
		Relationships: w.Relationships,
		Items:         w.Items,
		StoryTail:     w.ProseTail(tailChars),
	}
	if w.Mode != nil {
		data.Mode = string(*w.Mode)
	}
	for _, c := range w.Characters {
		data.Characters = append(data.Characters, c.String())
	}
	for _, f := range w.WorldFacts {
		data.WorldFacts = append(data.WorldFacts, f.Text)
	}
	if w.NarrativeState != nil {
		ns := *w.NarrativeState
		data.Narrative = &ns
	}
	return data
}
