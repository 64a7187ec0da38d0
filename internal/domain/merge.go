package domain

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// MergeOutputs merges incoming into current, overriding scalars and appending slices.
// Neither argument is modified.
func MergeOutputs(current, incoming map[string]any) (map[string]any, error) {
	merged := CloneMap(current)
	if len(incoming) == 0 {
		return merged, nil
	}
	if merged == nil {
		merged = make(map[string]any, len(incoming))
	}
	if err := mergo.Merge(&merged, CloneMap(incoming), mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, NewValidationError("failed to merge outputs", err)
	}
	return merged, nil
}

// CloneMap returns a deep copy of m by round-tripping through JSON.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
