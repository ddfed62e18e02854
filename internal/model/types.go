package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of a run, a job, or a step.
// Runs and jobs share the same transitions:
//
//	pending → running → passed | failed | canceled
//
// Steps may additionally end up skipped, either because their `when`
// condition evaluated to false or because an earlier step in the same
// job failed.
type Status string

const (
	// StatusPending indicates the work has been scheduled but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates the work is currently executing.
	StatusRunning Status = "running"

	// StatusPassed indicates the work completed with a zero exit code.
	StatusPassed Status = "passed"

	// StatusFailed indicates a non-zero exit code or an infrastructure
	// error (process could not start, container could not be created).
	StatusFailed Status = "failed"

	// StatusCanceled indicates the surrounding context was canceled
	// before the work could finish (Ctrl-C, server shutdown).
	StatusCanceled Status = "canceled"

	// StatusSkipped applies to steps only: the step never ran, either
	// because its condition was false or because the job already failed.
	StatusSkipped Status = "skipped"
)

// String returns the string representation of Status.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and JSON responses.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the Status value is one of the predefined states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state. Terminal
// statuses never transition again; the run store relies on this to
// decide when a run's log files are complete.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string to a Status.
// Returns an error if the string does not match any valid status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid status: %q (valid: pending, running, passed, failed, canceled, skipped)", s)
	}
	return status, nil
}

// AggregateStatus folds a set of job statuses into a run status.
//
// Priority order: any failed job fails the run, otherwise any canceled
// job marks the run canceled, otherwise any non-terminal job keeps the
// run running. A run with zero jobs is failed — an empty pipeline is
// a configuration defect, not a success.
func AggregateStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusFailed
	}

	result := StatusPassed
	for _, st := range statuses {
		switch {
		case st == StatusFailed:
			return StatusFailed
		case st == StatusCanceled:
			result = StatusCanceled
		case !st.IsTerminal() && result == StatusPassed:
			result = StatusRunning
		}
	}
	return result
}

// Step is a single resolved instruction inside an expanded job.
//
// The Run string and Env values have already had {{axis}} / {{env.KEY}}
// templates substituted during matrix expansion, and the `when`
// condition has been evaluated against the job's environment: Enabled
// records the outcome, Condition keeps the raw expression for display.
type Step struct {
	// Name is the display name for the step. Defaults to the first
	// words of Run when the pipeline file omits it.
	Name string `json:"name"`

	// Run is the shell command executed via `sh -c`.
	Run string `json:"run"`

	// Env holds step-local environment variables, layered on top of
	// the job environment for this step only.
	Env map[string]string `json:"env,omitempty"`

	// Condition is the raw `when:` expression from the pipeline file.
	// Empty means the step is unconditional.
	Condition string `json:"condition,omitempty"`

	// Enabled is the evaluated result of Condition for this job.
	// Disabled steps are reported as skipped without executing.
	Enabled bool `json:"enabled"`

	// Timeout bounds the step's wall-clock execution time.
	// Zero means no per-step timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Service describes a sidecar container that must be running while a
// job executes (a database, a headless browser, a display server).
type Service struct {
	// Name identifies the service; it is used in the generated
	// MATRIXCI_SERVICE_<NAME>_PORT environment variables.
	Name string `json:"name"`

	// Image is the container image the service runs from.
	Image string `json:"image"`

	// Ports lists container ports to publish on free host ports.
	Ports []int `json:"ports,omitempty"`
}

// Upload identifies one external coverage service to report to.
type Upload struct {
	// Name is the service's display name (e.g. "coveralls").
	Name string `json:"name"`

	// URL is the endpoint the coverage payload is posted to.
	URL string `json:"url"`

	// TokenEnv names the environment variable holding the service
	// token. An unset variable skips the upload rather than failing it,
	// since tokens are routinely absent on forked repositories.
	TokenEnv string `json:"tokenEnv,omitempty"`
}

// Coverage configures post-success coverage reporting for a job.
type Coverage struct {
	// File is the coverage report path, relative to the job workdir.
	File string `json:"file"`

	// Uploads lists every service to report to. All of them run;
	// a failure in one does not short-circuit the others.
	Uploads []Upload `json:"uploads,omitempty"`
}

// Job is one expanded entry of the pipeline's version matrix. Jobs are
// fully self-contained: they share no mutable state with each other and
// can execute in any order or concurrently.
type Job struct {
	// Name uniquely identifies the job within its run,
	// e.g. "sami2py/python=3.6+NUMPY_VER=1.16.0".
	Name string `json:"name"`

	// Axis maps axis names to the values selected for this job.
	Axis map[string]string `json:"axis,omitempty"`

	// Env is the job's complete base environment: pipeline env layered
	// with the include-variant overrides. Steps see exactly this map
	// (plus their own Env), never the runner's full process environment.
	Env map[string]string `json:"env,omitempty"`

	// Image is the container image to run steps in. Empty means the
	// job executes directly on the host shell.
	Image string `json:"image,omitempty"`

	// Steps is the ordered list of resolved steps.
	Steps []Step `json:"steps"`

	// Services lists sidecar containers started before the first step.
	Services []Service `json:"services,omitempty"`

	// Coverage is the job's coverage reporting configuration, if any.
	Coverage *Coverage `json:"coverage,omitempty"`
}

// JobName builds the deterministic display name for an expanded job.
//
// Axis values are rendered in sorted key order so the same matrix always
// produces the same names; include-variant env overrides are appended
// with a "+" separator to disambiguate pinned variants from the plain
// cartesian jobs they would otherwise collide with.
func JobName(pipeline string, axis map[string]string, overrides map[string]string) string {
	var b strings.Builder
	b.WriteString(pipeline)

	if len(axis) > 0 {
		keys := make([]string, 0, len(axis))
		for k := range axis {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("/")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%s=%s", k, axis[k])
		}
	}

	if len(overrides) > 0 {
		keys := make([]string, 0, len(overrides))
		for k := range overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "+%s=%s", k, overrides[k])
		}
	}

	return b.String()
}

// StepResult records the outcome of a single step.
type StepResult struct {
	// Name is the step's display name.
	Name string `json:"name"`

	// Status is the step's final state (passed/failed/skipped/canceled).
	Status Status `json:"status"`

	// ExitCode is the process exit code. Zero for passed and skipped
	// steps; -1 when the process could not be started at all.
	ExitCode int `json:"exitCode"`

	// Output is the combined stdout+stderr of the step.
	Output string `json:"output,omitempty"`

	// Duration is the step's wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// JobResult records the outcome of one job: its final status, the
// per-step results in execution order, and timing information.
type JobResult struct {
	// Job is the expanded job definition this result belongs to.
	Job Job `json:"job"`

	// Status is the job's final state.
	Status Status `json:"status"`

	// ExitCode is the exit code of the first failing step, or 0 when
	// the job passed. This is the value the original test runner
	// exited with, propagated unchanged.
	ExitCode int `json:"exitCode"`

	// Steps holds the per-step results in execution order.
	Steps []StepResult `json:"steps"`

	// Error describes an infrastructure failure (container could not
	// be created, coverage upload failed) when the failure is not
	// attributable to a step's exit code.
	Error string `json:"error,omitempty"`

	// StartedAt and FinishedAt bound the job's execution window.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the job's wall-clock execution time.
func (j *JobResult) Duration() time.Duration {
	if j.FinishedAt.IsZero() || j.StartedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// CombinedOutput concatenates the output of every step, prefixed with
// step headers. This is what the server persists as the job's log file.
func (j *JobResult) CombinedOutput() string {
	var b strings.Builder
	for _, sr := range j.Steps {
		fmt.Fprintf(&b, "==> %s (%s)\n", sr.Name, sr.Status)
		if sr.Output != "" {
			b.WriteString(sr.Output)
			if !strings.HasSuffix(sr.Output, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// RunResult records the outcome of one full pipeline run.
type RunResult struct {
	// ID uniquely identifies the run. CLI runs use a timestamp-derived
	// ID; server-submitted runs get a sequential one.
	ID string `json:"id"`

	// Pipeline is the pipeline name from the configuration file.
	Pipeline string `json:"pipeline"`

	// Status is the aggregate of all job statuses.
	Status Status `json:"status"`

	// Jobs holds the per-job results in expansion order.
	Jobs []JobResult `json:"jobs"`

	// StartedAt and FinishedAt bound the whole run.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// ExitCode maps the run's final status to the process exit code the
// CLI should terminate with. Job failures propagate as ExitJobFailed
// regardless of which step or upload caused them.
func (r *RunResult) ExitCode() ExitCode {
	switch r.Status {
	case StatusPassed:
		return ExitSuccess
	case StatusCanceled:
		return ExitInterrupted
	default:
		return ExitJobFailed
	}
}

// nameRegex validates pipeline names: alphanumeric + hyphens/underscores,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid pipeline name.
// Pipeline names appear in job names, log filenames, and URLs, so the
// character set is deliberately restrictive.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("pipeline name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid pipeline name %q: must contain only alphanumeric characters, hyphens and underscores, and start/end with alphanumeric", name)
	}
	return nil
}

// ExitCode defines standard CLI exit codes. These codes allow scripts
// and outer CI systems to programmatically determine the outcome of a
// matrixci invocation.
type ExitCode int

const (
	// ExitSuccess indicates every job passed.
	ExitSuccess ExitCode = 0

	// ExitJobFailed indicates at least one job failed (install failure,
	// test or lint failure, or coverage-upload failure).
	ExitJobFailed ExitCode = 1

	// ExitConfigNotFound indicates no pipeline file was found in the
	// search paths.
	ExitConfigNotFound ExitCode = 2

	// ExitConfigInvalid indicates the pipeline file was found but
	// failed parsing or validation.
	ExitConfigInvalid ExitCode = 3

	// ExitDockerNotRunning indicates the Docker daemon is not
	// accessible but the pipeline requires container execution.
	ExitDockerNotRunning ExitCode = 4

	// ExitInterrupted indicates the run was canceled before finishing.
	ExitInterrupted ExitCode = 5
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
