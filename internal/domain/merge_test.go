package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOutputs_ObjectMerging(t *testing.T) {
	tests := []struct {
		name     string
		current  map[string]any
		incoming map[string]any
		expected map[string]any
	}{
		{
			name:     "simple merge",
			current:  map[string]any{"name": "build", "attempt": 1},
			incoming: map[string]any{"attempt": 2, "region": "eu"},
			expected: map[string]any{"name": "build", "attempt": float64(2), "region": "eu"},
		},
		{
			name:     "nested merge",
			current:  map[string]any{"artifact": map[string]any{"tag": "v1", "size": 10}},
			incoming: map[string]any{"artifact": map[string]any{"tag": "v2"}},
			expected: map[string]any{"artifact": map[string]any{"tag": "v2", "size": float64(10)}},
		},
		{
			name:     "nil current",
			current:  nil,
			incoming: map[string]any{"k": "v"},
			expected: map[string]any{"k": "v"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeOutputs(tt.current, tt.incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, merged)
		})
	}
}

func TestMergeOutputs_DoesNotMutateInputs(t *testing.T) {
	current := map[string]any{"a": "1"}
	incoming := map[string]any{"a": "2"}

	_, err := MergeOutputs(current, incoming)
	require.NoError(t, err)

	assert.Equal(t, "1", current["a"])
	assert.Equal(t, "2", incoming["a"])
}

func TestCloneMap(t *testing.T) {
	assert.Nil(t, CloneMap(nil))

	src := map[string]any{"nested": map[string]any{"x": "y"}}
	cloned := CloneMap(src)
	cloned["nested"].(map[string]any)["x"] = "z"

	assert.Equal(t, "y", src["nested"].(map[string]any)["x"])
}
