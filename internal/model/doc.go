// Package model defines the domain types and value objects for the
// matrixci runner.
//
// This package contains pure data structures with no external dependencies.
// All entities (Job, Step, JobResult, RunResult, etc.) describe a single
// pipeline run: the job list expanded from the version matrix, the
// per-step outcomes, and the status lifecycle both share.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
