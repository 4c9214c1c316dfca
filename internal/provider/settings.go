package provider

import (
	"fmt"
	"sort"
	"strings"
)

// settings tracks which model settings an adapter consumed so the rest can
// be forwarded verbatim.
type settings struct {
	values map[string]any
	used   map[string]bool
}

// newSettings accepts provider-prefixed aliases ("openai_reasoning_effort")
// for the plain key. An explicit plain key wins over its alias.
func newSettings(values map[string]any, prefix string) *settings {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for k, v := range values {
		plain, ok := strings.CutPrefix(k, prefix)
		if !ok || plain == "" {
			continue
		}
		delete(out, k)
		if _, explicit := values[plain]; !explicit {
			out[plain] = v
		}
	}
	return &settings{values: out, used: make(map[string]bool)}
}

func (s *settings) value(key string) any {
	return s.values[key]
}

func (s *settings) float(key string) (float64, bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	s.used[key] = true
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}
	return 0, false, fmt.Errorf("model setting %q must be a number, got %T", key, v)
}

func (s *settings) int(key string) (int64, bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	s.used[key] = true
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true, nil
		}
	}
	return 0, false, fmt.Errorf("model setting %q must be an integer, got %v", key, v)
}

func (s *settings) string(key string) (string, bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s.used[key] = true
	str, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("model setting %q must be a string, got %T", key, v)
	}
	return str, true, nil
}

func (s *settings) strings(key string) ([]string, bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	s.used[key] = true
	switch list := v.(type) {
	case []string:
		return list, true, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, false, fmt.Errorf("model setting %q must be a list of strings", key)
			}
			out = append(out, str)
		}
		return out, true, nil
	case string:
		return []string{list}, true, nil
	}
	return nil, false, fmt.Errorf("model setting %q must be a list of strings", key)
}

// rest returns unconsumed settings in key order.
func (s *settings) rest() []string {
	var keys []string
	for k := range s.values {
		if !s.used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
