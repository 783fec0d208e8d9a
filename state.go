package coreflow

import "maps"

// State is the accumulated key-value document a process carries between
// steps. Steps receive the full state and return a partial update; the
// runtime merges updates with Merge, so a State value is never mutated
// once handed to a step.
type State map[string]any

// Merge returns a new State holding the receiver's entries overlaid with
// delta. Neither input is modified. A nil delta returns a copy of the
// receiver.
func (s State) Merge(delta State) State {
	out := make(State, len(s)+len(delta))
	maps.Copy(out, s)
	maps.Copy(out, delta)
	return out
}

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Without returns a copy of the state with the given keys removed.
func (s State) Without(keys ...string) State {
	out := s.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// String reads key as a string value. The second return reports whether the
// key was present and held a string.
func (s State) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}
