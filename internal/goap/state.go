// Package goap implements the goal/world-state model and the planning tool
// surface the supervisor's LLM turns drive. States are flat JSON objects of
// named boolean assertions; a goal completes when every truthy assertion in
// goal_state is truthy in world_state, so a parsed goal state with nothing
// to assert is trivially complete.
package goap

import (
	"encoding/json"
	"sort"
)

// Progress summarizes how far a goal's world state has converged.
type Progress struct {
	Complete  bool
	Satisfied int
	Total     int
	Missing   []string
}

// parseState returns nil for a missing or unparsable state, and a non-nil
// (possibly empty) map for a parsed one. CheckProgress relies on that
// distinction.
func parseState(s string) map[string]bool {
	if s == "" {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		b, ok := v.(bool)
		out[k] = ok && b
	}
	return out
}

// CheckProgress compares goal state against world state. Only truthy goal
// assertions count toward the predicate, so a parsed goal state with none is
// trivially complete. A missing or malformed goal state is never complete.
func CheckProgress(goalState, worldState string) Progress {
	goal := parseState(goalState)
	world := parseState(worldState)

	var p Progress
	for key, want := range goal {
		if !want {
			continue
		}
		p.Total++
		if world[key] {
			p.Satisfied++
		} else {
			p.Missing = append(p.Missing, key)
		}
	}
	sort.Strings(p.Missing)
	p.Complete = goal != nil && p.Satisfied == p.Total
	return p
}

// IsComplete is the bare completion predicate.
func IsComplete(goalState, worldState string) bool {
	return CheckProgress(goalState, worldState).Complete
}

// PreconditionsMet reports whether every key in the preconditions array is
// truthy in the world state. An empty or absent array is trivially met.
func PreconditionsMet(preconditions, worldState string) bool {
	if preconditions == "" {
		return true
	}
	var keys []string
	if err := json.Unmarshal([]byte(preconditions), &keys); err != nil {
		return false
	}
	world := parseState(worldState)
	for _, k := range keys {
		if !world[k] {
			return false
		}
	}
	return true
}

// MergeAssertions folds boolean assertions into a world state and returns
// the updated JSON. Non-boolean assertion values are ignored.
func MergeAssertions(worldState string, assertions map[string]any) (string, error) {
	var world map[string]any
	if worldState != "" {
		if err := json.Unmarshal([]byte(worldState), &world); err != nil {
			world = nil
		}
	}
	if world == nil {
		world = make(map[string]any)
	}
	for k, v := range assertions {
		if b, ok := v.(bool); ok {
			world[k] = b
		}
	}
	b, err := json.Marshal(world)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
