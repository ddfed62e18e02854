package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEvalWhen exercises the full condition grammar against a sample
// job environment.
func TestEvalWhen(t *testing.T) {
	env := map[string]string{
		"NUMPY_VER": "1.16.0",
		"EMPTY":     "",
	}

	tests := []struct {
		expr     string
		expected bool
	}{
		{"", true}, // no condition means always run
		{"env.NUMPY_VER", true},
		{"env.EMPTY", false},
		{"env.UNSET", false},
		{"!env.NUMPY_VER", false},
		{"!env.UNSET", true},
		{`env.NUMPY_VER == "1.16.0"`, true},
		{`env.NUMPY_VER == "1.17.0"`, false},
		{`env.NUMPY_VER != "1.17.0"`, true},
		{`env.NUMPY_VER != "1.16.0"`, false},
		{"env.NUMPY_VER == 1.16.0", true}, // quotes optional
		{"  env.NUMPY_VER  ", true},      // surrounding whitespace
		{`env.UNSET == ""`, true},        // unset compares equal to empty
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalWhen(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got, "expression %q", tt.expr)
		})
	}
}

// TestParseCondition_Errors verifies that malformed expressions are
// rejected at parse time.
func TestParseCondition_Errors(t *testing.T) {
	tests := []string{
		"NUMPY_VER",            // missing env. prefix
		"env.",                 // empty variable name
		"env.A B",              // whitespace in variable name
		`!env.A == "x"`,        // negation combined with comparison
		`version == "1"`,       // prefix missing on comparison
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseCondition(expr)
			assert.Error(t, err, "expression %q should not parse", expr)
		})
	}
}

// TestCondition_String preserves the original expression for display.
func TestCondition_String(t *testing.T) {
	cond, err := ParseCondition("env.NUMPY_VER")
	require.NoError(t, err)
	assert.Equal(t, "env.NUMPY_VER", cond.String())
}
