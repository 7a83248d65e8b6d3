package story

import (
	"encoding/json"
	"strings"
)

// Patch is a model-proposed update to a TurnState. The set of patch shapes
// is closed: WorldSeed, NarrativeMergePatch and AdditivePatch.
type Patch interface {
	apply(s *TurnState)
}

// Reduce returns prev with patch applied. prev is not modified.
// A nil patch returns a copy of prev.
func Reduce(prev TurnState, patch Patch) TurnState {
	next := prev.Clone()
	if patch != nil {
		patch.apply(&next)
	}
	next.World.WorldFacts = lastN(next.World.WorldFacts, MaxWorldFacts)
	next.World.Retcons = lastN(next.World.Retcons, MaxRetcons)
	return next
}

// TurnAdvance moves the turn counter and sets the phase decided upstream.
type TurnAdvance struct {
	Increment int   `json:"increment"`
	Phase     Phase `json:"phase"`
}

func (t TurnAdvance) apply(p *TurnProgress) {
	p.Turn += t.Increment
	if t.Phase != "" {
		p.Phase = t.Phase
	}
}

// WorldSeed initializes a thread's world. Built by the world builder.
type WorldSeed struct {
	Theme      string            `json:"theme,omitempty"`
	Mode       string            `json:"mode"`
	Tone       string            `json:"tone"`
	Setting    string            `json:"setting"`
	Goal       string            `json:"goal"`
	Tension    string            `json:"tension"`
	Characters []CharacterRecord `json:"characters"`
	Items      []string          `json:"items,omitempty"`
	WorldFacts []WorldFact       `json:"world_facts,omitempty"`
}

func (s WorldSeed) apply(st *TurnState) {
	w := &st.World
	w.Initialized = true
	if s.Theme != "" {
		w.Theme = s.Theme
	}
	mode := ParseMode(s.Mode)
	w.Mode = &mode
	w.Tone = StringPtr(s.Tone)
	w.Setting = StringPtr(s.Setting)
	w.Goal = StringPtr(s.Goal)
	w.Tension = StringPtr(s.Tension)
	w.Characters = mergeCharacters(w.Characters, s.Characters, false)
	w.Items = mergeItemsFold(w.Items, s.Items)
	w.WorldFacts = append(w.WorldFacts, s.WorldFacts...)
}

// TensionUpdate distinguishes an absent tension key from an explicit null.
type TensionUpdate struct {
	Value   *string
	Present bool
}

// SetTension returns an update that sets tension to value (nil clears it).
func SetTension(value *string) TensionUpdate {
	return TensionUpdate{Value: cloneString(value), Present: true}
}

// UnmarshalJSON marks the update present, including for null.
func (t *TensionUpdate) UnmarshalJSON(data []byte) error {
	t.Present = true
	t.Value = nil
	if strings.TrimSpace(string(data)) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.Value = StringPtr(s)
	return nil
}

// MarshalJSON writes the value or null.
func (t TensionUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Value)
}

// NarrativeMergePatch is produced by the prose-graph extractor.
type NarrativeMergePatch struct {
	Turn           TurnAdvance       `json:"-"`
	Prose          string            `json:"-"`
	NewCharacters  []CharacterRecord `json:"new_characters"`
	NewItems       []string          `json:"new_items"`
	Characters     []CharacterRecord `json:"characters"`
	Relationships  []string          `json:"relationships"`
	NarrativeState *NarrativeState   `json:"narrative_state"`
	Tension        TensionUpdate     `json:"tension"`
}

func (p NarrativeMergePatch) apply(st *TurnState) {
	p.Turn.apply(&st.Progress)
	w := &st.World

	if p.Characters != nil {
		w.Characters = mergeCharacters(nil, p.Characters, false)
	}
	w.Characters = mergeCharacters(w.Characters, p.NewCharacters, true)
	w.Items = mergeItemsFold(w.Items, p.NewItems)
	w.Relationships = unionStrings(w.Relationships, p.Relationships)

	if p.NarrativeState != nil {
		ns := *p.NarrativeState
		w.NarrativeState = &ns
	}
	if p.Tension.Present {
		w.Tension = cloneString(p.Tension.Value)
	}
	appendProse(w, p.Prose)
}

// FactOverwrite replaces every fact whose text equals OldText.
type FactOverwrite struct {
	OldText string    `json:"old_text"`
	NewFact WorldFact `json:"new_fact"`
}

// AdditiveAdd lists entries appended by an AdditivePatch.
type AdditiveAdd struct {
	Characters []CharacterRecord `json:"characters"`
	Inventory  []string          `json:"inventory"`
	WorldFacts []WorldFact       `json:"world_facts"`
}

// AdditivePatch is produced by the mapper extractor. Dedup is exact-match.
type AdditivePatch struct {
	Turn                TurnAdvance     `json:"turn"`
	Prose               string          `json:"-"`
	OverwriteWorldFacts []FactOverwrite `json:"overwrite_world_facts"`
	Add                 AdditiveAdd     `json:"add"`
}

func (p AdditivePatch) apply(st *TurnState) {
	p.Turn.apply(&st.Progress)
	w := &st.World

	for _, ow := range p.OverwriteWorldFacts {
		kept := w.WorldFacts[:0:0]
		for _, f := range w.WorldFacts {
			if f.Text != ow.OldText {
				kept = append(kept, f)
			}
		}
		w.WorldFacts = append(kept, ow.NewFact)
		w.Retcons = append(w.Retcons, Retcon{
			Turn:    st.Progress.Turn,
			OldText: ow.OldText,
			NewText: ow.NewFact.Text,
		})
	}

	w.Characters = dedupExact(append(w.Characters, p.Add.Characters...), func(c CharacterRecord) string { return c.Name })
	w.Items = dedupExact(append(w.Items, p.Add.Inventory...), func(s string) string { return s })
	w.WorldFacts = append(w.WorldFacts, p.Add.WorldFacts...)
	appendProse(w, p.Prose)
}

// mergeCharacters appends additions whose normalized name is new.
// Blank names are dropped; rejectYou drops the literal name "you".
func mergeCharacters(existing, additions []CharacterRecord, rejectYou bool) []CharacterRecord {
	out := make([]CharacterRecord, 0, len(existing)+len(additions))
	seen := make(map[string]bool, len(existing)+len(additions))
	for _, c := range existing {
		seen[c.Key()] = true
		out = append(out, c)
	}
	for _, c := range additions {
		key := c.Key()
		if key == "" || seen[key] || (rejectYou && key == "you") {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// mergeItemsFold appends items not already present, compared case-insensitively.
func mergeItemsFold(existing, additions []string) []string {
	out := append([]string{}, existing...)
	seen := make(map[string]bool, len(existing)+len(additions))
	for _, item := range existing {
		seen[strings.ToLower(item)] = true
	}
	for _, item := range additions {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func unionStrings(existing, additions []string) []string {
	out := append([]string{}, existing...)
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range additions {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// dedupExact keeps the first occurrence of each key, preserving order.
func dedupExact[T any](items []T, key func(T) string) []T {
	out := make([]T, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		k := key(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out
}

func appendProse(w *WorldState, prose string) {
	prose = strings.TrimSpace(prose)
	if prose == "" {
		return
	}
	if w.StorySoFar == "" {
		w.StorySoFar = prose
		return
	}
	w.StorySoFar += "\n\n" + prose
}

func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return append([]T{}, items[len(items)-n:]...)
}
