package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/pkg/story"
)

func TestNewRenderer(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)
	require.NotNil(t, renderer)

	assert.Len(t, renderer.GetAvailableTemplates(), 8)
	for _, name := range renderer.GetAvailableTemplates() {
		out, err := renderer.Render(name, &TemplateData{UserText: "a shy dragon"})
		require.NoError(t, err, name)
		assert.NotEmpty(t, out, name)
		assert.NotContains(t, out, "<no value>", name)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	_, err = renderer.Render("missing.tpl.md", nil)
	assert.Error(t, err)
}

func TestRenderWorldBuilder(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	out, err := renderer.Render(WorldBuilderTemplate, &TemplateData{UserText: "a shy dragon who loves baking", Theme: "Baking Day"})
	require.NoError(t, err)
	assert.Contains(t, out, `User's input: "a shy dragon who loves baking"`)
	assert.Contains(t, out, `Requested theme: "Baking Day"`)

	out, err = renderer.Render(WorldBuilderTemplate, &TemplateData{UserText: "x"})
	require.NoError(t, err)
	assert.NotContains(t, out, "Requested theme")
}

func TestRenderStorytellerPhases(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	w := story.NewWorldState()
	w.Setting = story.StringPtr("a bakery")
	w.Goal = story.StringPtr("bake a moon cake")
	w.Tension = story.StringPtr("the oven is cold")
	w.Characters = []story.CharacterRecord{{Name: "Pip", Who: "a dragon", Feeling: "shy"}}
	w.NarrativeState = &story.NarrativeState{CurrentSituation: "Pip stares at the oven"}
	w.StorySoFar = strings.Repeat("x", 50) + "the flour flew everywhere."

	tests := []struct {
		phase  story.Phase
		expect string
	}{
		{story.PhaseSetup, "Launch the adventure"},
		{story.PhaseRising, "Raise the stakes"},
		{story.PhaseClimax, "The big moment"},
		{story.PhaseResolution, "FINAL TURN"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			data := WorldData(&w, 30)
			data.Turn = 2
			data.Phase = string(tt.phase)
			data.PhaseLabel = tt.phase.Label()
			data.UserText = "a mouse brings matches"
			data.ResolveTension = true

			out, err := renderer.Render(StorytellerTemplate, data)
			require.NoError(t, err)
			assert.Contains(t, out, tt.expect)
			assert.Contains(t, out, "TURN 2: "+tt.phase.Label())
			assert.Contains(t, out, `CHILD ADDED: "a mouse brings matches"`)
			assert.Contains(t, out, "Pip (a dragon), feeling shy")
			assert.Contains(t, out, "Situation: Pip stares at the oven")
			assert.Contains(t, out, "...")
			assert.NotContains(t, out, strings.Repeat("x", 31))

			resolveLine := "Gently resolve this problem before the story ends: the oven is cold"
			if tt.phase == story.PhaseResolution {
				assert.Contains(t, out, resolveLine)
			} else {
				assert.NotContains(t, out, resolveLine)
			}
		})
	}
}

func TestRenderStorytellerFixedBudget(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	w := story.NewWorldState()
	data := WorldData(&w, 500)
	data.Turn = 1
	data.MaxTurns = 3
	data.Phase = string(story.PhaseSetup)
	data.PhaseLabel = story.PhaseSetup.Label()

	out, err := renderer.Render(StorytellerTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, out, "TURN 1 of 3: Introduction")
	assert.Contains(t, out, "This is the beginning of the story.")
}

func TestRenderNarrativeExtractorTension(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	w := story.NewWorldState()
	w.Goal = story.StringPtr("bake a moon cake")
	data := WorldData(&w, 500)
	data.Segment = "The oven roared to life."

	out, err := renderer.Render(NarrativeExtractorTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, out, "STORY GOAL: bake a moon cake\nCURRENT TENSION: already solved (use null")
	assert.NotContains(t, out, "none")

	w.Tension = story.StringPtr("the oven is cold")
	out, err = renderer.Render(NarrativeExtractorTemplate, WorldData(&w, 500))
	require.NoError(t, err)
	assert.Contains(t, out, "CURRENT TENSION: the oven is cold\n")
	assert.NotContains(t, out, "already solved")
}

func TestRenderAdditiveExtractor(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	w := story.NewWorldState()
	w.WorldFacts = []story.WorldFact{{Text: "Mouse is scared of cats", Source: "user"}}
	data := WorldData(&w, 0)
	data.Segment = "The mouse roared at the cat."
	data.UserText = "the mouse is brave"

	out, err := renderer.Render(AdditiveExtractorTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, out, "- Mouse is scared of cats")
	assert.Contains(t, out, `"The mouse roared at the cat."`)
}
