package event

import "sync"

// MergeDelta applies delta to dst in place and returns dst (allocating it
// when nil). For every key: a nil value removes the key; when both sides
// hold objects the merge recurses; anything else overwrites. Values taken
// from delta are deep-copied so later mutation of delta cannot leak in.
func MergeDelta(dst, delta map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			cur, _ := dst[k].(map[string]any)
			// A fresh object is built through the same rule, which also
			// strips nested nil markers.
			dst[k] = MergeDelta(cur, sub)
			continue
		}
		dst[k] = clone(v)
	}
	return dst
}

// Clone deep-copies a JSON-like map.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}

// State is the shared key/value state every client reconciles against.
// It is written only through ApplySnapshot and ApplyDelta.
type State struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewState returns a State seeded with a copy of initial.
func NewState(initial map[string]any) *State {
	data := Clone(initial)
	if data == nil {
		data = map[string]any{}
	}
	return &State{data: data}
}

// ApplySnapshot replaces the state wholesale.
func (s *State) ApplySnapshot(snapshot map[string]any) {
	data := Clone(snapshot)
	if data == nil {
		data = map[string]any{}
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

// ApplyDelta merges delta into the state. Deltas must be applied in the
// order they were produced.
func (s *State) ApplyDelta(delta map[string]any) {
	s.mu.Lock()
	s.data = MergeDelta(s.data, delta)
	s.mu.Unlock()
}

// Apply routes state-carrying events to the matching operation and
// reports whether ev changed the state.
func (s *State) Apply(ev Event) bool {
	switch e := ev.(type) {
	case StateSnapshot:
		s.ApplySnapshot(e.State)
		return true
	case StateDelta:
		s.ApplyDelta(e.Delta)
		return true
	}
	return false
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.data)
}

// Get returns a deep copy of a single top-level value.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return clone(v), ok
}
