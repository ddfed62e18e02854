package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// passthroughVars are the only process environment variables forwarded
// into job steps. Everything else a step sees must be declared in the
// pipeline file, which keeps jobs reproducible across machines.
var passthroughVars = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// HostExecutor runs job steps directly on the host via `sh -c`.
//
// It only handles pure shell jobs: a job that declares a container
// image or sidecar services needs the Docker executor, and starting it
// here would silently change the job's isolation guarantees.
type HostExecutor struct {
	// WorkDir is the directory steps execute in. Empty means the
	// current working directory.
	WorkDir string
}

// NewHostExecutor creates a HostExecutor rooted at workDir.
func NewHostExecutor(workDir string) *HostExecutor {
	return &HostExecutor{WorkDir: workDir}
}

// StartJob validates that the job is host-executable and returns a
// session for it. The session is stateless — the host shell needs no
// per-job setup or teardown.
func (e *HostExecutor) StartJob(ctx context.Context, job model.Job) (Session, error) {
	if job.Image != "" {
		return nil, fmt.Errorf("job %q declares image %q and requires Docker execution", job.Name, job.Image)
	}
	if len(job.Services) > 0 {
		return nil, fmt.Errorf("job %q declares services and requires Docker execution", job.Name)
	}
	return &hostSession{workDir: e.WorkDir, env: job.Env}, nil
}

// hostSession executes steps with exec.CommandContext.
type hostSession struct {
	workDir string
	env     map[string]string
}

// RunStep runs one step in a shell, with the job environment layered
// under the step's own env. Stdout and stderr are captured combined,
// the way CI logs interleave them.
func (s *hostSession) RunStep(ctx context.Context, step model.Step) (*StepOutcome, error) {
	// Keep a handle on the run context: its cancellation means the
	// whole run is being torn down, which must not be confused with a
	// per-step timeout expiring.
	parent := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
	cmd.Dir = s.workDir
	cmd.Env = buildEnv(s.env, step.Env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		if parent.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, parent.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and exited non-zero (or was killed by
			// its timeout): that is a step outcome, not an execution
			// error.
			if ctx.Err() != nil {
				fmt.Fprintf(&out, "\nstep timed out after %s\n", step.Timeout)
			}
			return &StepOutcome{ExitCode: exitErr.ExitCode(), Output: out.Bytes()}, nil
		}
		return nil, fmt.Errorf("step %q: failed to start: %w", step.Name, err)
	}

	return &StepOutcome{ExitCode: 0, Output: out.Bytes()}, nil
}

// Close satisfies Session; host sessions hold no resources.
func (s *hostSession) Close(ctx context.Context) error {
	return nil
}

// buildEnv assembles the step's process environment: the passthrough
// variables from the host, the job env, then the step env, later
// entries overriding earlier ones.
func buildEnv(jobEnv, stepEnv map[string]string) []string {
	merged := make(map[string]string, len(passthroughVars)+len(jobEnv)+len(stepEnv))
	for _, key := range passthroughVars {
		if val := os.Getenv(key); val != "" {
			merged[key] = val
		}
	}
	for k, v := range jobEnv {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
