package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestDurationUnmarshalYAML tests both duration strings and millisecond numbers
func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		expected time.Duration
	}{
		{name: "duration string", yaml: `90s`, expected: 90 * time.Second},
		{name: "compound duration", yaml: `2m30s`, expected: 2*time.Minute + 30*time.Second},
		{name: "bare milliseconds", yaml: `30000`, expected: 30 * time.Second},
		{name: "zero", yaml: `0`, expected: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			require.NoError(t, yaml.Unmarshal([]byte(tc.yaml), &d))
			assert.Equal(t, tc.expected, d.Std())
		})
	}
}

// TestDurationUnmarshalYAMLRejectsGarbage tests malformed duration values
func TestDurationUnmarshalYAMLRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, yaml.Unmarshal([]byte(`soon`), &d))
	require.Error(t, yaml.Unmarshal([]byte(`[1, 2]`), &d))
}
