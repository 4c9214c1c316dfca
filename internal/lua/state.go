package lua

import (
	"fmt"
	"sync"
)

// State is the mutable key/value table scripts reach through the State
// global. It outlives the VM so the coordinator can snapshot it.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState copies seed into a fresh State.
func NewState(seed map[string]any) *State {
	s := &State{values: make(map[string]any, len(seed))}
	for k, v := range seed {
		s.values[k] = clone(v)
	}
	return s
}

func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return clone(v), ok
}

func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return
	}
	s.values[key] = clone(value)
}

// Increment adds by to a numeric key, treating a missing key as zero.
func (s *State) Increment(key string, by any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.values[key]
	if cur == nil {
		cur = int64(0)
	}
	a, aInt, ok := number(cur)
	if !ok {
		return nil, fmt.Errorf("state %q is not a number", key)
	}
	b, bInt, ok := number(by)
	if !ok {
		return nil, fmt.Errorf("increment for %q is not a number", key)
	}

	var next any
	if aInt && bInt {
		next = int64(a) + int64(b)
	} else {
		next = a + b
	}
	s.values[key] = next
	return next, nil
}

// Append adds value to the list at key and returns the new length.
func (s *State) Append(key string, value any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cur := s.values[key].(type) {
	case nil:
		s.values[key] = []any{clone(value)}
		return 1, nil
	case []any:
		cur = append(cur, clone(value))
		s.values[key] = cur
		return len(cur), nil
	case map[string]any:
		// An empty table read back from a script is a map
		if len(cur) == 0 {
			s.values[key] = []any{clone(value)}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("state %q is not a list", key)
}

// Snapshot returns a deep copy of every key.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = clone(v)
	}
	return out
}

func number(v any) (float64, bool, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true, true
	case int64:
		return float64(n), true, true
	case float64:
		return n, n == float64(int64(n)), true
	}
	return 0, false, false
}

func clone(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = clone(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = clone(item)
		}
		return out
	}
	return v
}
