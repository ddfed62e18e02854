// Package docker provides Docker Engine API wrappers and container
// execution for matrix jobs.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Per-job container lifecycle: one long-lived container per job,
//     steps executed inside it via the exec API
//   - Service sidecar containers with ports published to free host
//     ports, advertised to steps through MATRIXCI_SERVICE_* variables
//   - Container label management so every container created here can
//     be attributed to its run and job, and orphans can be found
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
