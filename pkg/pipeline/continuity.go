package pipeline

import (
	"fmt"
	"strings"

	"github.com/reelforge/reelforge/pkg/core"
)

// Continuity evolution is deliberately deterministic: the same narrative
// always yields the same temporal state, so resumed runs rebuild identical
// prompts.

var injuryTerms = []string{"wounded", "wound", "injured", "cut", "bruise", "bleeding", "blood", "burn", "limp", "broken"}
var grimeTerms = []string{"mud", "muddy", "dust", "dusty", "soaked", "drenched", "ash", "soot", "grime", "sweat"}
var weatherTerms = []string{"rain", "snow", "storm", "fog", "mist", "wind", "hail", "overcast", "clear sky", "heatwave"}
var lightingTerms = []string{"dawn", "sunrise", "dusk", "sunset", "night", "moonlight", "neon", "firelight", "candlelight", "harsh noon"}
var emotionTerms = []string{"fear", "terror", "grief", "joy", "rage", "anger", "resolve", "despair", "hope", "longing"}

func scanTerms(narrative string, terms []string) []string {
	lower := strings.ToLower(narrative)
	var found []string
	for _, t := range terms {
		if strings.Contains(lower, t) {
			found = append(found, t)
		}
	}
	return found
}

// EvolveTemporal extends a temporal state with whatever the scene narrative
// establishes. History is append-only; prior entries are never rewritten.
// A scene index already folded into the state (a regeneration rewind) leaves
// the state untouched, so reprocessing never duplicates entries.
func EvolveTemporal(ts core.TemporalState, narrative string, sceneIndex int) core.TemporalState {
	if sceneIndex < ts.AppliedThrough {
		return ts
	}
	entry := func(term string) core.TemporalEntry {
		return core.TemporalEntry{Scene: sceneIndex, Term: term}
	}

	for _, t := range scanTerms(narrative, injuryTerms) {
		ts.Injuries = append(ts.Injuries, entry(t))
	}
	for _, t := range scanTerms(narrative, grimeTerms) {
		ts.Grime = append(ts.Grime, entry(t))
	}
	for _, t := range scanTerms(narrative, weatherTerms) {
		ts.Weather = append(ts.Weather, entry(t))
	}
	for _, t := range scanTerms(narrative, lightingTerms) {
		ts.Lighting = append(ts.Lighting, entry(t))
	}
	for _, t := range scanTerms(narrative, emotionTerms) {
		ts.Emotions = append(ts.Emotions, entry(t))
	}
	ts.AppliedThrough = sceneIndex + 1
	return ts
}

// ApplyScene evolves every entity appearing in the scene. Each entity tracks
// the scenes already folded in, so re-application after a regeneration
// rewind is a no-op.
func ApplyScene(st *core.ProjectState, scene *core.Scene) {
	for _, name := range scene.Characters {
		for _, ch := range st.Characters {
			if strings.EqualFold(ch.Name, name) {
				ch.State = EvolveTemporal(ch.State, scene.Narrative, scene.Index)
			}
		}
	}
	for _, loc := range st.Locations {
		if strings.EqualFold(loc.Name, scene.Location) {
			loc.State = EvolveTemporal(loc.State, scene.Narrative, scene.Index)
		}
	}
}

// lastBefore returns the most recent entry established strictly before the
// given scene index.
func lastBefore(entries []core.TemporalEntry, before int) (core.TemporalEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Scene < before {
			return entries[i], true
		}
	}
	return core.TemporalEntry{}, false
}

// entityClause renders an entity's state up to (excluding) sceneIndex as a
// prompt fragment.
func entityClause(e *core.Entity, sceneIndex int) string {
	var parts []string
	if entry, ok := lastBefore(e.State.Injuries, sceneIndex); ok {
		parts = append(parts, "visible "+entry.Term)
	}
	if entry, ok := lastBefore(e.State.Grime, sceneIndex); ok {
		parts = append(parts, entry.Term+" on clothing")
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Name, strings.Join(parts, ", "))
}

// ContinuityClauses builds the continuity fragment injected into a scene's
// generation prompt: carried-forward entity state plus the most recent
// weather and lighting established by earlier scenes. Only entries from
// scenes before the prompted one contribute, so a rewound scene never sees
// state its successors established.
func ContinuityClauses(st *core.ProjectState, scene *core.Scene) string {
	var clauses []string

	for _, name := range scene.Characters {
		for _, ch := range st.Characters {
			if strings.EqualFold(ch.Name, name) {
				if c := entityClause(ch, scene.Index); c != "" {
					clauses = append(clauses, c)
				}
			}
		}
	}
	for _, loc := range st.Locations {
		if strings.EqualFold(loc.Name, scene.Location) {
			if entry, ok := lastBefore(loc.State.Weather, scene.Index); ok {
				clauses = append(clauses, "weather: "+entry.Term)
			}
			if entry, ok := lastBefore(loc.State.Lighting, scene.Index); ok {
				clauses = append(clauses, "lighting: "+entry.Term)
			}
		}
	}

	if len(clauses) == 0 {
		return ""
	}
	return "continuity: " + strings.Join(clauses, "; ")
}
