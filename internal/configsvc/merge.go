// Package configsvc is the configuration service: the single source of
// truth for global, per-environment, and per-service configuration. It
// persists JSON files under the config directory, answers pull requests on
// the bus and over HTTP, and pushes updates to the affected services'
// update topics. The embeddable Client on the other end fetches at boot and
// watches for pushes.
package configsvc

// DeepMerge merges src into dst and returns the result without mutating
// either input. Nested maps merge recursively; every other value, arrays
// included, overwrites.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Clone deep-copies a configuration map.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
