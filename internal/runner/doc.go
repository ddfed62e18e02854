// Package runner executes expanded pipeline jobs for the matrixci CLI
// and server.
//
// Jobs are independent by construction: they share no mutable state and
// run concurrently under a bounded worker pool. One job failing never
// cancels its siblings — only context cancellation (Ctrl-C, server
// shutdown) stops a run early. Within a job, steps run sequentially and
// the first failure skips everything after it.
//
// Step execution is abstracted behind the Executor/Session pair so the
// same loop drives host-shell jobs and Docker container jobs.
package runner
