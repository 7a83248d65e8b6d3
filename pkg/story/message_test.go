package story

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshal(t *testing.T) {
	var msgs []Message
	raw := `[
		{"role": "user", "content": "a shy dragon"},
		{"type": "ai", "content": "Once upon a time"},
		{"type": "human", "content": "more"},
		{"role": "Assistant", "content": "And then"}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))

	assert.Equal(t, []Message{
		UserMessage("a shy dragon"),
		AssistantMessage("Once upon a time"),
		UserMessage("more"),
		AssistantMessage("And then"),
	}, msgs)
}

func TestMessageUnmarshalUnknownRole(t *testing.T) {
	var m Message
	assert.Error(t, json.Unmarshal([]byte(`{"role":"system","content":"x"}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"content":"x"}`), &m))
}

func TestMessageMarshalUsesRole(t *testing.T) {
	out, err := json.Marshal(AssistantMessage("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(out))
}

func TestCheckpointStateIsCopy(t *testing.T) {
	cp := Checkpoint{
		ThreadID: "t1",
		Sequence: 2,
		World:    NewWorldState(),
		Progress: TurnProgress{Turn: 2, Phase: PhaseRising},
	}
	cp.World.Items = []string{"lamp"}

	s := cp.State()
	s.World.Items[0] = "rope"

	assert.Equal(t, "lamp", cp.World.Items[0])
	assert.Equal(t, 2, s.Progress.Turn)
}
