package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestJobLabels verifies the label map for a job container carries the
// management marker, run and job attribution, and a UTC timestamp.
func TestJobLabels(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.FixedZone("JST", 9*3600))

	labels := JobLabels("run-20260831-100000", "sami2py/python=3.6", now)

	assert.Equal(t, "matrixci", labels[LabelManagedBy])
	assert.Equal(t, "run-20260831-100000", labels[LabelRun])
	assert.Equal(t, "sami2py/python=3.6", labels[LabelJob])
	assert.Equal(t, RoleJob, labels[LabelRole])
	// Timestamps are normalized to UTC regardless of host timezone.
	assert.Equal(t, "2026-08-31T01:00:00Z", labels[LabelCreatedAt])
	assert.NotContains(t, labels, LabelService)
}

// TestServiceLabels verifies sidecar containers are tagged with the
// service role and name on top of the job attribution.
func TestServiceLabels(t *testing.T) {
	now := time.Now()

	labels := ServiceLabels("run-1", "demo/python=3.8", "display", now)

	assert.Equal(t, "matrixci", labels[LabelManagedBy])
	assert.Equal(t, "run-1", labels[LabelRun])
	assert.Equal(t, "demo/python=3.8", labels[LabelJob])
	assert.Equal(t, RoleService, labels[LabelRole])
	assert.Equal(t, "display", labels[LabelService])
}

// TestFilterLabels verifies the discovery filter matches exactly the
// management marker.
func TestFilterLabels(t *testing.T) {
	assert.Equal(t, map[string]string{LabelManagedBy: ManagedByValue}, FilterLabels())
}

// TestServiceEnvPrefix covers the name-to-variable folding for service
// environment variables.
func TestServiceEnvPrefix(t *testing.T) {
	assert.Equal(t, "MATRIXCI_SERVICE_POSTGRES", serviceEnvPrefix("postgres"))
	assert.Equal(t, "MATRIXCI_SERVICE_X11_DISPLAY", serviceEnvPrefix("x11-display"))
}

// TestExecEnv verifies step env overrides session env and the result
// is a flat KEY=value slice.
func TestExecEnv(t *testing.T) {
	env := execEnv(
		map[string]string{"NUMPY_VER": "1.16.0", "LAYER": "job"},
		map[string]string{"LAYER": "step"},
	)

	assert.ElementsMatch(t, []string{"NUMPY_VER=1.16.0", "LAYER=step"}, env)
}

// TestShortID verifies IDs are trimmed to Docker's 12-character form
// and short IDs pass through untouched.
func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef0123"))
	assert.Equal(t, "abc", shortID("abc"))
}
