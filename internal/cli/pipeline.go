package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/matrixci/internal/config"
	"github.com/mmr-tortoise/matrixci/internal/docker"
	"github.com/mmr-tortoise/matrixci/internal/model"
	"github.com/mmr-tortoise/matrixci/internal/runner"
)

// loadPipeline resolves, loads, and validates the pipeline file. An
// empty file argument triggers discovery in the current directory.
// The returned path is absolute; config.ProjectDir derives the job
// workdir from it.
func loadPipeline(file string) (*config.Pipeline, string, error) {
	path := file
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		path, err = config.Find(cwd)
		if err != nil {
			return nil, "", err
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve pipeline path: %w", err)
	}

	// The path is returned alongside load and validation errors so
	// callers can name the offending file.
	p, err := config.Load(abs)
	if err != nil {
		return nil, abs, err
	}
	// Wrapped so every command exits with the config-invalid code, not
	// just validate. The ValidationError stays reachable via errors.As
	// for callers that print the violation list.
	if err := config.Validate(p); err != nil {
		return nil, abs, model.WrapCLIError(model.ExitConfigInvalid, abs, err)
	}

	return p, abs, nil
}

// filterJobs keeps jobs whose name contains any of the given
// substrings. An empty filter keeps everything.
func filterJobs(jobs []model.Job, only []string) ([]model.Job, error) {
	if len(only) == 0 {
		return jobs, nil
	}

	var kept []model.Job
	for _, job := range jobs {
		for _, needle := range only {
			if strings.Contains(job.Name, needle) {
				kept = append(kept, job)
				break
			}
		}
	}
	if len(kept) == 0 {
		return nil, model.NewCLIError(
			model.ExitConfigInvalid,
			fmt.Sprintf("--only %v matches none of the %d expanded jobs", only, len(jobs)),
		)
	}
	return kept, nil
}

// dispatchExecutor routes each job to the host shell or to Docker
// depending on whether the job declares an image or services. Mixed
// pipelines are legal: a job without an image runs directly on the
// host even when its siblings are containerized.
type dispatchExecutor struct {
	host   runner.Executor
	docker runner.Executor
}

func (d *dispatchExecutor) StartJob(ctx context.Context, job model.Job) (runner.Session, error) {
	if job.Image != "" || len(job.Services) > 0 {
		if d.docker == nil {
			return nil, model.NewCLIError(
				model.ExitDockerNotRunning,
				fmt.Sprintf("job %q requires Docker, which is not available", job.Name),
			)
		}
		return d.docker.StartJob(ctx, job)
	}
	return d.host.StartJob(ctx, job)
}

// needsDocker reports whether any job requires container execution.
func needsDocker(jobs []model.Job) bool {
	for _, job := range jobs {
		if job.Image != "" || len(job.Services) > 0 {
			return true
		}
	}
	return false
}

// buildExecutor assembles the dispatch executor for a set of jobs.
// The Docker client is only created (and its daemon only pinged) when
// at least one job needs it. The returned closer releases the client;
// it is non-nil even when Docker is unused.
func buildExecutor(ctx context.Context, jobs []model.Job, workDir, runID string) (runner.Executor, func(), error) {
	d := &dispatchExecutor{host: runner.NewHostExecutor(workDir)}
	closer := func() {}

	if !needsDocker(jobs) {
		return d, closer, nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return nil, nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}

	exec := docker.NewExecutor(cli, workDir, runID)
	exec.Verbose = VerboseLog
	d.docker = exec

	return d, func() { _ = cli.Close() }, nil
}
