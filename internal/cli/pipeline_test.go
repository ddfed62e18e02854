package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

func sampleJobs() []model.Job {
	return []model.Job{
		{Name: "sami2py/python=3.6"},
		{Name: "sami2py/python=3.7"},
		{Name: "sami2py/python=3.6+NUMPY_VER=1.16.0", Image: "python:3.6"},
	}
}

// TestFilterJobs verifies substring filtering and the error for a
// filter that matches nothing.
func TestFilterJobs(t *testing.T) {
	jobs := sampleJobs()

	kept, err := filterJobs(jobs, nil)
	require.NoError(t, err)
	assert.Len(t, kept, 3, "empty filter keeps everything")

	kept, err = filterJobs(jobs, []string{"python=3.6"})
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	kept, err = filterJobs(jobs, []string{"NUMPY"})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "sami2py/python=3.6+NUMPY_VER=1.16.0", kept[0].Name)

	_, err = filterJobs(jobs, []string{"ruby"})
	require.Error(t, err)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitConfigInvalid, cliErr.Code)
}

// TestNeedsDocker verifies detection of container jobs.
func TestNeedsDocker(t *testing.T) {
	assert.False(t, needsDocker([]model.Job{{Name: "a"}, {Name: "b"}}))
	assert.True(t, needsDocker([]model.Job{{Name: "a", Image: "python:3.8"}}))
	assert.True(t, needsDocker([]model.Job{{Name: "a", Services: []model.Service{{Name: "db", Image: "postgres"}}}}))
}

// TestDispatchExecutor_NoDocker verifies a container job without a
// Docker backend fails with the daemon exit code instead of landing on
// the host executor.
func TestDispatchExecutor_NoDocker(t *testing.T) {
	d := &dispatchExecutor{host: nil}

	_, err := d.StartJob(context.Background(), model.Job{Name: "p/x", Image: "python:3.8"})
	require.Error(t, err)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
}

// TestSummarizeFailure covers the one-line failure messages.
func TestSummarizeFailure(t *testing.T) {
	res := &model.RunResult{
		Status: model.StatusFailed,
		Jobs: []model.JobResult{
			{Status: model.StatusPassed},
			{Status: model.StatusFailed},
			{Status: model.StatusFailed},
		},
	}
	assert.Equal(t, "2 of 3 job(s) failed", summarizeFailure(res))

	res.Status = model.StatusCanceled
	assert.Equal(t, "run canceled", summarizeFailure(res))
}
