// Package server exposes the pipeline engine over HTTP: pipeline
// submission, run status inspection, and job log retrieval.
//
// Runs are tracked in a mutex-guarded in-memory store; job output is
// additionally persisted as log files under a store directory so logs
// survive completed runs without holding every byte in memory.
package server
