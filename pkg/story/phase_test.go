package story

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasEndingSignal(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"And they lived happily. THE END", true},
		{"that’s it for tonight", true},
		{"I'm done", true},
		{"finished!", true},
		{"Goodnight moon", true},
		{"goodbye dragon", true},
		{"the dragon flies higher", false},
		{"a dragon who lives in an abandoned castle", false},
		{"they sail the endless sea", false},
		{"an unfinished map", false},
		{"the end.", true},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasEndingSignal(tt.text), tt.text)
	}
}

func TestTensionPolicy(t *testing.T) {
	open := StringPtr("the bridge is broken")
	p := Policy{}

	tests := []struct {
		name    string
		turn    int
		tension *string
		text    string
		current Phase
		want    Phase
	}{
		{"first turn", 1, nil, "a shy dragon", PhaseSetup, PhaseSetup},
		{"turn two open", 2, open, "go on", PhaseSetup, PhaseRising},
		{"turn three open", 3, open, "go on", PhaseRising, PhaseRising},
		{"turn four open", 4, open, "go on", PhaseRising, PhaseClimax},
		{"turn five open", 5, open, "go on", PhaseClimax, PhaseResolution},
		{"turn two resolved", 2, nil, "go on", PhaseSetup, PhaseRising},
		{"turn three resolved", 3, nil, "go on", PhaseRising, PhaseResolution},
		{"ending signal early", 2, open, "the end", PhaseSetup, PhaseResolution},
		{"resolution absorbs", 4, open, "more please", PhaseResolution, PhaseResolution},
		{"word inside a word", 1, open, "a dragon in an abandoned castle", PhaseSetup, PhaseSetup},
		{"endless is not the end", 2, open, "they sail the endless sea", PhaseSetup, PhaseRising},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.turn, tt.tension, tt.text, tt.current))
		})
	}
}

func TestFixedBudgetPolicy(t *testing.T) {
	p := Policy{MaxTurns: 3}
	open := StringPtr("x")

	assert.Equal(t, PhaseSetup, p.Decide(1, open, "a shy dragon who loves baking", PhaseSetup))
	assert.Equal(t, PhaseRising, p.Decide(2, open, "she bakes a cake", PhaseSetup))
	assert.Equal(t, PhaseResolution, p.Decide(3, open, "everyone eats", PhaseRising))

	// Tension is not consulted in the fixed-budget arc.
	assert.Equal(t, PhaseRising, p.Decide(2, nil, "go on", PhaseSetup))
	assert.Equal(t, PhaseResolution, p.Decide(2, open, "goodnight", PhaseSetup))
}

func TestPhaseMonotonic(t *testing.T) {
	order := map[Phase]int{PhaseSetup: 0, PhaseRising: 1, PhaseClimax: 2, PhaseResolution: 3}
	tensions := []*string{StringPtr("a"), StringPtr("b"), nil, StringPtr("c"), StringPtr("d"), nil, StringPtr("e")}

	for _, policy := range []Policy{{}, {MaxTurns: 4}, {MaxTurns: 1}} {
		current := PhaseSetup
		for turn := 1; turn <= 8; turn++ {
			next := policy.Decide(turn, tensions[(turn-1)%len(tensions)], "continue", current)
			require.GreaterOrEqual(t, order[next], order[current], "policy %+v turn %d", policy, turn)
			current = next
		}
		assert.Equal(t, PhaseResolution, current)
	}
}

func TestPhaseLabelsAndParsing(t *testing.T) {
	assert.Equal(t, "Introduction", PhaseSetup.Label())
	assert.Equal(t, "Rising Action", PhaseRising.Label())
	assert.Equal(t, "Climax", PhaseClimax.Label())
	assert.Equal(t, "Resolution", PhaseResolution.Label())

	for _, label := range []string{"Introduction", "setup", "", "garbage"} {
		assert.Equal(t, PhaseSetup, ParsePhase(label), label)
	}
	assert.Equal(t, PhaseRising, ParsePhase("Rising Action"))
	assert.Equal(t, PhaseResolution, ParsePhase("RESOLUTION"))

	var progress TurnProgress
	require.NoError(t, json.Unmarshal([]byte(`{"turn":2,"max_turns":3,"phase":"Rising Action"}`), &progress))
	assert.Equal(t, PhaseRising, progress.Phase)

	out, err := json.Marshal(progress)
	require.NoError(t, err)
	assert.JSONEq(t, `{"turn":2,"max_turns":3,"phase":"rising"}`, string(out))
}
