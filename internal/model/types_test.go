package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatus_String verifies that Status values produce the expected
// string representations for CLI output and JSON serialization.
func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusPending, "pending"},
		{StatusRunning, "running"},
		{StatusPassed, "passed"},
		{StatusFailed, "failed"},
		{StatusCanceled, "canceled"},
		{StatusSkipped, "skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestStatus_IsValid checks that only defined status values pass validation.
func TestStatus_IsValid(t *testing.T) {
	assert.True(t, StatusPending.IsValid())
	assert.True(t, StatusPassed.IsValid())
	assert.True(t, StatusSkipped.IsValid())
	assert.False(t, Status("invalid").IsValid())
	assert.False(t, Status("").IsValid())
}

// TestStatus_IsTerminal verifies the terminal/non-terminal split that the
// run store relies on.
func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusPassed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
}

// TestParseStatus verifies string-to-status conversion, including case
// normalization and error cases.
func TestParseStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected Status
		hasError bool
	}{
		{"passed", StatusPassed, false},
		{"failed", StatusFailed, false},
		{"Running", StatusRunning, false}, // case insensitive
		{"CANCELED", StatusCanceled, false},
		{"invalid", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseStatus(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestAggregateStatus exercises the run-status folding rules: a single
// failed job fails the run, cancellation wins over passed, and an empty
// job list is treated as a failure.
func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{"all passed", []Status{StatusPassed, StatusPassed, StatusPassed}, StatusPassed},
		{"one failed", []Status{StatusPassed, StatusFailed, StatusPassed}, StatusFailed},
		{"one canceled", []Status{StatusPassed, StatusCanceled}, StatusCanceled},
		{"failed beats canceled", []Status{StatusCanceled, StatusFailed}, StatusFailed},
		{"still running", []Status{StatusPassed, StatusRunning}, StatusRunning},
		{"empty", nil, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AggregateStatus(tt.statuses))
		})
	}
}

// TestJobName verifies deterministic job naming: sorted axis keys and
// "+KEY=value" suffixes for include-variant env overrides.
func TestJobName(t *testing.T) {
	tests := []struct {
		name      string
		pipeline  string
		axis      map[string]string
		overrides map[string]string
		expected  string
	}{
		{
			name:     "single axis",
			pipeline: "sami2py",
			axis:     map[string]string{"python": "3.7"},
			expected: "sami2py/python=3.7",
		},
		{
			name:     "axis keys sorted",
			pipeline: "demo",
			axis:     map[string]string{"os": "linux", "go": "1.25"},
			expected: "demo/go=1.25,os=linux",
		},
		{
			name:      "include variant suffix",
			pipeline:  "sami2py",
			axis:      map[string]string{"python": "3.6"},
			overrides: map[string]string{"NUMPY_VER": "1.16.0"},
			expected:  "sami2py/python=3.6+NUMPY_VER=1.16.0",
		},
		{
			name:     "no axes",
			pipeline: "simple",
			expected: "simple",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, JobName(tt.pipeline, tt.axis, tt.overrides))
		})
	}
}

// TestRunResult_ExitCode verifies status-to-exit-code propagation.
func TestRunResult_ExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, (&RunResult{Status: StatusPassed}).ExitCode())
	assert.Equal(t, ExitJobFailed, (&RunResult{Status: StatusFailed}).ExitCode())
	assert.Equal(t, ExitInterrupted, (&RunResult{Status: StatusCanceled}).ExitCode())
}

// TestJobResult_Duration covers both the normal case and zero timestamps.
func TestJobResult_Duration(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	jr := &JobResult{StartedAt: start, FinishedAt: start.Add(42 * time.Second)}
	assert.Equal(t, 42*time.Second, jr.Duration())

	assert.Equal(t, time.Duration(0), (&JobResult{}).Duration())
}

// TestJobResult_CombinedOutput verifies the log rendering used by the
// server's log endpoint: step headers plus trailing-newline handling.
func TestJobResult_CombinedOutput(t *testing.T) {
	jr := &JobResult{
		Steps: []StepResult{
			{Name: "install", Status: StatusPassed, Output: "ok\n"},
			{Name: "test", Status: StatusFailed, Output: "1 failed"},
			{Name: "report", Status: StatusSkipped},
		},
	}

	out := jr.CombinedOutput()
	assert.Contains(t, out, "==> install (passed)\nok\n")
	assert.Contains(t, out, "==> test (failed)\n1 failed\n")
	assert.Contains(t, out, "==> report (skipped)\n")
}

// TestValidateName checks pipeline name validation rules.
func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "sami2py", false},
		{"with hyphen", "my-pipeline", false},
		{"with underscore", "my_pipeline", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"leading hyphen", "-bad", true},
		{"trailing hyphen", "bad-", true},
		{"spaces", "bad name", true},
		{"slash", "bad/name", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestCLIError verifies message formatting, unwrapping, and exit codes.
func TestCLIError(t *testing.T) {
	plain := NewCLIError(ExitConfigInvalid, "pipeline file is invalid")
	assert.Equal(t, "pipeline file is invalid", plain.Error())
	assert.Equal(t, ExitConfigInvalid, plain.Code)
	assert.Nil(t, plain.Unwrap())

	inner := errors.New("yaml: line 3: mapping values are not allowed")
	wrapped := WrapCLIError(ExitConfigInvalid, "failed to parse pipeline", inner)
	assert.Contains(t, wrapped.Error(), "failed to parse pipeline")
	assert.Contains(t, wrapped.Error(), "mapping values")
	assert.True(t, errors.Is(wrapped, inner))
}
