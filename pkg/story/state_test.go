package story

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCharacter(t *testing.T) {
	tests := []struct {
		in   string
		want CharacterRecord
	}{
		{"Pip", CharacterRecord{Name: "Pip"}},
		{"Pip (baker) - a shy dragon", CharacterRecord{Name: "Pip", Who: "baker - a shy dragon"}},
		{"Mo - a moth", CharacterRecord{Name: "Mo", Who: "a moth"}},
		{"  Luna (owl)  ", CharacterRecord{Name: "Luna", Who: "owl"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCharacter(tt.in), tt.in)
	}
}

func TestCharacterRecordUnmarshal(t *testing.T) {
	var cast []CharacterRecord
	raw := `["Pip (dragon)", {"name": "Mo", "who": "a moth", "feeling": "curious", "wants": "light"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &cast))

	assert.Equal(t, []CharacterRecord{
		{Name: "Pip", Who: "dragon"},
		{Name: "Mo", Who: "a moth", Feeling: "curious", Wants: "light"},
	}, cast)

	var bad CharacterRecord
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "pip", NormalizeName("  Pip (the dragon)"))
	assert.Equal(t, "mo", NormalizeName("MO - moth"))
	assert.Equal(t, "", NormalizeName("(nobody)"))
}

func TestCharacterString(t *testing.T) {
	c := CharacterRecord{Name: "Pip", Who: "a dragon", Feeling: "shy", Wants: "a friend"}
	assert.Equal(t, "Pip (a dragon), feeling shy, wants a friend", c.String())
	assert.Equal(t, "Mo", CharacterRecord{Name: "Mo"}.String())
}

func TestWorldStateFlags(t *testing.T) {
	w := NewWorldState()
	assert.True(t, w.NeedsWorld())
	assert.False(t, w.TensionOpen())

	w.Initialized = true
	assert.True(t, w.NeedsWorld(), "setting is still missing")

	w.Setting = StringPtr("a forest")
	w.Tension = StringPtr("the path is lost")
	assert.False(t, w.NeedsWorld())
	assert.True(t, w.TensionOpen())
}

func TestProseTail(t *testing.T) {
	w := NewWorldState()
	w.StorySoFar = "short"
	assert.Equal(t, "short", w.ProseTail(500))
	assert.Equal(t, "short", w.ProseTail(0))

	w.StorySoFar = strings.Repeat("a", 600) + "END"
	tail := w.ProseTail(500)
	assert.True(t, strings.HasPrefix(tail, "..."))
	assert.True(t, strings.HasSuffix(tail, "END"))
	assert.Len(t, tail, 503)

	w.StorySoFar = "ééééé"
	tail = w.ProseTail(3)
	assert.Equal(t, "...é", tail)
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr("   "))
	assert.Equal(t, "x", *StringPtr(" x "))
	assert.Equal(t, "fallback", Deref(nil, "fallback"))
}

func TestTurnStateJSONShape(t *testing.T) {
	s := NewTurnState(3)
	out, err := json.Marshal(s)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Contains(t, generic, "world_state")
	assert.Contains(t, generic, "story_progress")

	var back TurnState
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, s, back)
}
