package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain", `{"setting": "a pond"}`, "a pond", true},
		{"fenced", "```json\n{\"setting\": \"a pond\"}\n```", "a pond", true},
		{"bare fence", "```\n{\"setting\": \"a pond\"}\n```", "a pond", true},
		{"surrounding prose", "Sure! Here you go:\n{\"setting\": \"a pond\"}\nEnjoy.", "a pond", true},
		{"no object", "Once upon a time", "", false},
		{"broken", `{"setting": "a pond"`, "", false},
		{"wrong type", `{"setting": 42}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Setting string `json:"setting"`
			}
			err := ParseJSON(tt.raw, &out)
			if !tt.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Setting)
		})
	}
}

func TestStripPreamble(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Here is the next part of the story:\n\nPip flew.", "Pip flew."},
		{"Here's the next part:\nPip flew.", "Pip flew."},
		{"Here’s the final part of our tale: Pip slept.", "Pip slept."},
		{"Sure! Here is the continuation of the story:\nPip flew.", "Pip flew."},
		{"Pip said, here is the next part: cake!", "Pip said, here is the next part: cake!"},
		{"  Pip flew.  ", "Pip flew."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripPreamble(tt.in), tt.in)
	}
}
