// Package story holds the durable story model: world state, turn progress,
// the phase policy and the reducer that merges model-proposed patches.
package story

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Caps on the bounded world sequences. Eviction is oldest first.
const (
	MaxWorldFacts = 25
	MaxRetcons    = 10
)

// Mode selects second-person or named-character narration.
type Mode string

const (
	ModeProtagonist Mode = "protagonist"
	ModeObserver    Mode = "observer"
)

// ParseMode maps model output onto a Mode, defaulting to observer.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeProtagonist)) {
		return ModeProtagonist
	}
	return ModeObserver
}

// CharacterRecord is one member of the cast.
type CharacterRecord struct {
	Name    string `json:"name"`
	Who     string `json:"who,omitempty"`
	Feeling string `json:"feeling,omitempty"`
	Wants   string `json:"wants,omitempty"`
}

// UnmarshalJSON accepts either the object form or a free-text descriptor
// such as "Pip (baker) - a shy dragon".
func (c *CharacterRecord) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = ParseCharacter(text)
		return nil
	}

	type plain CharacterRecord
	var rec plain
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("character must be a string or object: %w", err)
	}
	*c = CharacterRecord(rec)
	return nil
}

// ParseCharacter splits a free-text descriptor into a name and description.
func ParseCharacter(text string) CharacterRecord {
	text = strings.TrimSpace(text)
	cut := strings.IndexAny(text, "(-")
	if cut <= 0 {
		return CharacterRecord{Name: text}
	}
	who := strings.NewReplacer("(", "", ")", "").Replace(text[cut:])
	return CharacterRecord{
		Name: strings.TrimSpace(text[:cut]),
		Who:  strings.Trim(who, " -"),
	}
}

// Key is the dedup key: the name before any parenthetical or dash, trimmed and lowercased.
func (c CharacterRecord) Key() string {
	return NormalizeName(c.Name)
}

// NormalizeName lowercases and trims a name, dropping any "(...)" or "- ..." suffix.
func NormalizeName(name string) string {
	if i := strings.Index(name, "("); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(name, "-"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// String renders the record the way prompts list the cast.
func (c CharacterRecord) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Who != "" {
		b.WriteString(" (" + c.Who + ")")
	}
	if c.Feeling != "" {
		b.WriteString(", feeling " + c.Feeling)
	}
	if c.Wants != "" {
		b.WriteString(", wants " + c.Wants)
	}
	return b.String()
}

// NarrativeState is a snapshot of where the plot stands. It is replaced
// wholesale whenever an extraction supplies one.
type NarrativeState struct {
	CurrentSituation   string `json:"current_situation"`
	ActiveTension      string `json:"active_tension"`
	ProgressTowardGoal string `json:"progress_toward_goal"`
	WhatHappensNext    string `json:"what_happens_next"`
}

// WorldFact is one established fact and who asserted it.
type WorldFact struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Retcon records a fact that was overwritten.
type Retcon struct {
	Turn    int    `json:"turn"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// WorldState is the durable set of story facts.
type WorldState struct {
	Initialized    bool              `json:"initialized"`
	Theme          string            `json:"theme,omitempty"`
	Setting        *string           `json:"setting"`
	Mode           *Mode             `json:"mode"`
	Tone           *string           `json:"tone"`
	Goal           *string           `json:"goal"`
	Tension        *string           `json:"tension"`
	Characters     []CharacterRecord `json:"characters"`
	Relationships  []string          `json:"relationships"`
	Items          []string          `json:"items"`
	NarrativeState *NarrativeState   `json:"narrative_state,omitempty"`
	StorySoFar     string            `json:"story_so_far"`
	WorldFacts     []WorldFact       `json:"world_facts"`
	Retcons        []Retcon          `json:"retcons"`
}

// NewWorldState returns an empty, uninitialized world.
func NewWorldState() WorldState {
	return WorldState{
		Characters:    []CharacterRecord{},
		Relationships: []string{},
		Items:         []string{},
		WorldFacts:    []WorldFact{},
		Retcons:       []Retcon{},
	}
}

// NeedsWorld reports whether the world builder still has to run.
func (w *WorldState) NeedsWorld() bool {
	return !w.Initialized || w.Setting == nil
}

// TensionOpen reports whether an unresolved conflict remains.
func (w *WorldState) TensionOpen() bool {
	return w.Tension != nil
}

// Clone returns a deep copy.
func (w *WorldState) Clone() WorldState {
	out := *w
	out.Setting = cloneString(w.Setting)
	out.Tone = cloneString(w.Tone)
	out.Goal = cloneString(w.Goal)
	out.Tension = cloneString(w.Tension)
	if w.Mode != nil {
		m := *w.Mode
		out.Mode = &m
	}
	if w.NarrativeState != nil {
		ns := *w.NarrativeState
		out.NarrativeState = &ns
	}
	out.Characters = append([]CharacterRecord{}, w.Characters...)
	out.Relationships = append([]string{}, w.Relationships...)
	out.Items = append([]string{}, w.Items...)
	out.WorldFacts = append([]WorldFact{}, w.WorldFacts...)
	out.Retcons = append([]Retcon{}, w.Retcons...)
	return out
}

// ProseTail returns at most n trailing bytes of the story so far, cut on a
// rune boundary. Storage always keeps the full text.
func (w *WorldState) ProseTail(n int) string {
	if n <= 0 || len(w.StorySoFar) <= n {
		return w.StorySoFar
	}
	start := len(w.StorySoFar) - n
	for start < len(w.StorySoFar) && !utf8.RuneStart(w.StorySoFar[start]) {
		start++
	}
	return "..." + w.StorySoFar[start:]
}

// TurnProgress tracks position in the narrative arc.
type TurnProgress struct {
	Turn     int   `json:"turn"`
	MaxTurns int   `json:"max_turns"`
	Phase    Phase `json:"phase"`
}

// TurnState is everything the reducer folds a patch into.
type TurnState struct {
	World    WorldState   `json:"world_state"`
	Progress TurnProgress `json:"story_progress"`
}

// NewTurnState returns the state of a thread before its first turn.
func NewTurnState(maxTurns int) TurnState {
	return TurnState{
		World:    NewWorldState(),
		Progress: TurnProgress{MaxTurns: maxTurns, Phase: PhaseSetup},
	}
}

// Clone returns a deep copy.
func (s *TurnState) Clone() TurnState {
	return TurnState{World: s.World.Clone(), Progress: s.Progress}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s, or fallback when s is nil.
func Deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
