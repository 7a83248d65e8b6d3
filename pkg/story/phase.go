package story

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Phase is a position in the narrative arc.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseRising     Phase = "rising"
	PhaseClimax     Phase = "climax"
	PhaseResolution Phase = "resolution"
)

// Label returns the display name used by clients.
func (p Phase) Label() string {
	switch p {
	case PhaseSetup:
		return "Introduction"
	case PhaseRising:
		return "Rising Action"
	case PhaseClimax:
		return "Climax"
	case PhaseResolution:
		return "Resolution"
	default:
		return string(p)
	}
}

// ParsePhase accepts canonical values and display labels in any case.
// Unknown input maps to setup.
func ParsePhase(s string) Phase {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rising", "rising action":
		return PhaseRising
	case "climax":
		return PhaseClimax
	case "resolution":
		return PhaseResolution
	default:
		return PhaseSetup
	}
}

// UnmarshalJSON normalizes labels such as "Rising Action" on read.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePhase(s)
	return nil
}

// EndingSignals are phrases in user text that conclude the story.
//
//nolint:gochecknoglobals // fixed vocabulary
var EndingSignals = []string{"the end", "that's it", "done", "finished", "goodbye", "goodnight"}

// endingPattern matches a signal only as whole words, so "abandoned" or
// "endless" never end a story.
var endingPattern = func() *regexp.Regexp {
	quoted := make([]string, len(EndingSignals))
	for i, signal := range EndingSignals {
		quoted[i] = regexp.QuoteMeta(signal)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}()

// HasEndingSignal reports whether text asks for the story to end.
func HasEndingSignal(text string) bool {
	return endingPattern.MatchString(strings.ReplaceAll(text, "’", "'"))
}

// Policy decides phases. MaxTurns > 0 selects the fixed-budget arc,
// otherwise the arc is driven by tension.
type Policy struct {
	MaxTurns int
}

// Decide returns the phase for turn, the number of the turn being written.
// Resolution is absorbing: once current is resolution it stays there.
func (p Policy) Decide(turn int, tension *string, userText string, current Phase) Phase {
	if HasEndingSignal(userText) || current == PhaseResolution {
		return PhaseResolution
	}

	if p.MaxTurns > 0 {
		switch {
		case turn <= 1:
			return PhaseSetup
		case turn >= p.MaxTurns:
			return PhaseResolution
		default:
			return PhaseRising
		}
	}

	switch {
	case tension == nil && turn >= 3:
		return PhaseResolution
	case turn <= 1:
		return PhaseSetup
	case turn <= 3:
		return PhaseRising
	case turn == 4:
		return PhaseClimax
	default:
		return PhaseResolution
	}
}
