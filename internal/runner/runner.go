package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// StepOutcome is what a Session reports back for one executed step.
type StepOutcome struct {
	// ExitCode is the step process's exit code.
	ExitCode int

	// Output is the combined stdout+stderr of the step.
	Output []byte
}

// Session executes the steps of a single job. A session owns whatever
// per-job resources the execution mode needs (nothing for the host
// shell, a container plus its services for Docker) and releases them
// in Close.
type Session interface {
	// RunStep executes one step and returns its outcome. A non-nil
	// error means the step could not be run at all (process spawn or
	// container exec failure), not that the command exited non-zero.
	RunStep(ctx context.Context, step model.Step) (*StepOutcome, error)

	// Close releases the session's resources. It must be safe to call
	// after a RunStep error.
	Close(ctx context.Context) error
}

// Executor creates sessions for jobs. Implementations: HostExecutor
// here, docker.Executor for container jobs.
type Executor interface {
	StartJob(ctx context.Context, job model.Job) (Session, error)
}

// Reporter handles post-success coverage reporting for a job.
// Implemented by report.Uploader; nil disables reporting.
type Reporter interface {
	Report(ctx context.Context, job model.Job) error
}

// Runner drives a full pipeline run: it fans jobs out to a bounded
// worker pool, runs each job's step loop, and aggregates the results.
type Runner struct {
	// Executor creates per-job sessions.
	Executor Executor

	// Reporter uploads coverage after a job passes. Nil disables it.
	Reporter Reporter

	// Concurrency bounds the number of jobs executing at once.
	// Zero or negative selects min(len(jobs), NumCPU).
	Concurrency int

	// Progress, when set, is invoked on every job status change.
	// It is called from worker goroutines and must be safe for
	// concurrent use.
	Progress func(jobName string, status model.Status)
}

// Run executes all jobs and returns the aggregated run result. The
// returned error is reserved for setup problems; job failures are
// reported through the result's status and exit code.
func (r *Runner) Run(ctx context.Context, runID, pipeline string, jobs []model.Job) *model.RunResult {
	result := &model.RunResult{
		ID:        runID,
		Pipeline:  pipeline,
		Status:    model.StatusRunning,
		Jobs:      make([]model.JobResult, len(jobs)),
		StartedAt: time.Now(),
	}

	workers := r.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers < 1 {
		workers = 1
	}

	// Classic bounded fan-out: job indices through a channel, one
	// goroutine per worker. Results land in distinct slice slots, so
	// the only shared mutation is the Progress callback.
	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				result.Jobs[i] = r.runJob(ctx, jobs[i])
			}
		}()
	}

	for i := range jobs {
		indices <- i
	}
	close(indices)
	wg.Wait()

	statuses := make([]model.Status, len(result.Jobs))
	for i := range result.Jobs {
		statuses[i] = result.Jobs[i].Status
	}
	result.Status = model.AggregateStatus(statuses)
	result.FinishedAt = time.Now()
	return result
}

// runJob executes a single job: session setup, the sequential step
// loop, coverage reporting, and teardown.
func (r *Runner) runJob(ctx context.Context, job model.Job) model.JobResult {
	res := model.JobResult{
		Job:       job,
		Status:    model.StatusRunning,
		StartedAt: time.Now(),
	}
	r.notify(job.Name, model.StatusRunning)

	// A canceled context before the job even starts: report canceled,
	// do not touch the executor.
	if ctx.Err() != nil {
		res.Status = model.StatusCanceled
		res.FinishedAt = time.Now()
		r.notify(job.Name, res.Status)
		return res
	}

	session, err := r.Executor.StartJob(ctx, job)
	if err != nil {
		res.Status = model.StatusFailed
		res.ExitCode = -1
		res.Error = fmt.Sprintf("failed to start job: %v", err)
		res.FinishedAt = time.Now()
		r.notify(job.Name, res.Status)
		return res
	}
	defer func() {
		// Teardown uses a fresh context so containers are removed even
		// when the run context was canceled.
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	res.Steps = r.runSteps(ctx, session, job, &res)

	// Exit code: first failing step wins; a passed job propagates 0.
	for _, sr := range res.Steps {
		if sr.Status == model.StatusFailed {
			res.ExitCode = sr.ExitCode
			break
		}
	}

	// Coverage reporting is guarded to run only after success: a job
	// that failed (or was canceled) never uploads. An upload failure
	// counts as a job failure so the process exit status surfaces it.
	if res.Status == model.StatusRunning {
		res.Status = model.StatusPassed
		if job.Coverage != nil && len(job.Coverage.Uploads) > 0 && r.Reporter != nil {
			if err := r.Reporter.Report(ctx, job); err != nil {
				res.Status = model.StatusFailed
				res.ExitCode = -1
				res.Error = fmt.Sprintf("coverage upload failed: %v", err)
			}
		}
	}

	res.FinishedAt = time.Now()
	r.notify(job.Name, res.Status)
	return res
}

// runSteps executes the job's steps sequentially. It mutates res.Status
// to failed/canceled when a step fails or the context is canceled;
// a still-running status afterwards means every step passed or was
// skipped by its condition.
func (r *Runner) runSteps(ctx context.Context, session Session, job model.Job, res *model.JobResult) []model.StepResult {
	results := make([]model.StepResult, 0, len(job.Steps))

	for _, step := range job.Steps {
		switch {
		case res.Status != model.StatusRunning:
			// An earlier step failed or the job was canceled.
			results = append(results, model.StepResult{Name: step.Name, Status: model.StatusSkipped})
			continue

		case ctx.Err() != nil:
			res.Status = model.StatusCanceled
			results = append(results, model.StepResult{Name: step.Name, Status: model.StatusCanceled})
			continue

		case !step.Enabled:
			// Condition evaluated false for this job's environment:
			// the other branch of a conditional install.
			results = append(results, model.StepResult{Name: step.Name, Status: model.StatusSkipped})
			continue
		}

		start := time.Now()
		outcome, err := session.RunStep(ctx, step)
		sr := model.StepResult{
			Name:     step.Name,
			Duration: time.Since(start),
		}

		switch {
		case err != nil && ctx.Err() != nil:
			sr.Status = model.StatusCanceled
			res.Status = model.StatusCanceled
		case err != nil:
			sr.Status = model.StatusFailed
			sr.ExitCode = -1
			sr.Output = err.Error()
			res.Status = model.StatusFailed
		default:
			sr.ExitCode = outcome.ExitCode
			sr.Output = string(outcome.Output)
			if outcome.ExitCode == 0 {
				sr.Status = model.StatusPassed
			} else {
				sr.Status = model.StatusFailed
				res.Status = model.StatusFailed
			}
		}

		results = append(results, sr)
	}

	return results
}

// notify invokes the Progress callback when one is configured.
func (r *Runner) notify(jobName string, status model.Status) {
	if r.Progress != nil {
		r.Progress(jobName, status)
	}
}
