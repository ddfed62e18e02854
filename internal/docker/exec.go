package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/mmr-tortoise/matrixci/internal/model"
	"github.com/mmr-tortoise/matrixci/internal/port"
	"github.com/mmr-tortoise/matrixci/internal/runner"
)

// containerWorkDir is where the job's working directory is mounted
// inside the container. All steps execute with this as their cwd.
const containerWorkDir = "/workspace"

// Service sidecar ports are published on free host ports from this
// range. Starting well above the ephemeral-adjacent registered range
// keeps collisions with long-running host services unlikely.
const (
	servicePortRangeStart = 20000
	servicePortRangeEnd   = 29999
)

// Executor runs jobs inside Docker containers: one long-lived container
// per job (kept alive with `sleep infinity`), each step executed inside
// it via the Docker exec API. Service sidecars are started before the
// job container and torn down with it.
//
// Executor implements runner.Executor.
type Executor struct {
	// Client is the connected Docker client.
	Client *Client

	// WorkDir is the host directory bind-mounted into each job
	// container at /workspace.
	WorkDir string

	// RunID tags every created container's labels so leftovers from an
	// interrupted run can be found and removed.
	RunID string

	// Scanner picks free host ports for published service ports.
	Scanner *port.Scanner

	// Verbose, when set, receives progress messages (image pulls,
	// container lifecycle). Nil discards them.
	Verbose func(format string, args ...any)
}

// NewExecutor creates an Executor for one run.
func NewExecutor(cli *Client, workDir, runID string) *Executor {
	return &Executor{
		Client:  cli,
		WorkDir: workDir,
		RunID:   runID,
		Scanner: port.NewScanner(),
	}
}

func (e *Executor) verbosef(format string, args ...any) {
	if e.Verbose != nil {
		e.Verbose(format, args...)
	}
}

// StartJob starts the job's service sidecars and its main container,
// returning a session that executes steps inside it. On any startup
// error, containers created so far are removed before returning.
func (e *Executor) StartJob(ctx context.Context, job model.Job) (runner.Session, error) {
	if job.Image == "" {
		return nil, fmt.Errorf("job %q has no image and cannot run in Docker", job.Name)
	}

	s := &dockerSession{
		client: e.Client,
		job:    job,
		env:    map[string]string{},
	}
	for k, v := range job.Env {
		s.env[k] = v
	}

	cleanup := func() {
		// Startup failed partway; remove whatever was created with a
		// fresh context, since ctx may already be canceled.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Close(rmCtx)
	}

	now := time.Now()
	for _, svc := range job.Services {
		if err := e.startService(ctx, s, svc, now); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := e.startJobContainer(ctx, s, now); err != nil {
		cleanup()
		return nil, err
	}

	return s, nil
}

// startService starts one sidecar container, publishing each declared
// container port on a free host port bound to 127.0.0.1. The chosen
// host ports are advertised to steps through the session environment:
//
//	MATRIXCI_SERVICE_<NAME>_PORT          first declared port
//	MATRIXCI_SERVICE_<NAME>_PORT_<cport>  every declared port
//	MATRIXCI_SERVICE_<NAME>_HOST          address steps reach it at
func (e *Executor) startService(ctx context.Context, s *dockerSession, svc model.Service, now time.Time) error {
	if err := e.ensureImage(ctx, svc.Image); err != nil {
		return err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	envKey := serviceEnvPrefix(svc.Name)
	for i, cport := range svc.Ports {
		hostPort, err := e.Scanner.FindAvailablePort(servicePortRangeStart, servicePortRangeEnd, "tcp")
		if err != nil {
			return model.WrapCLIError(
				model.ExitDockerNotRunning,
				fmt.Sprintf("no free host port for service %q port %d", svc.Name, cport),
				err,
			)
		}

		p, err := nat.NewPort("tcp", strconv.Itoa(cport))
		if err != nil {
			return fmt.Errorf("service %q: invalid port %d: %w", svc.Name, cport, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(hostPort),
		}}

		if i == 0 {
			s.env[envKey+"_PORT"] = strconv.Itoa(hostPort)
		}
		s.env[fmt.Sprintf("%s_PORT_%d", envKey, cport)] = strconv.Itoa(hostPort)
	}
	// Job containers reach published service ports through the host
	// gateway; the alias is added to the job container in
	// startJobContainer.
	s.env[envKey+"_HOST"] = "host.docker.internal"

	resp, err := e.Client.Inner().ContainerCreate(ctx,
		&container.Config{
			Image:        svc.Image,
			ExposedPorts: exposed,
			Labels:       ServiceLabels(e.RunID, s.job.Name, svc.Name, now),
		},
		&container.HostConfig{
			PortBindings: bindings,
			AutoRemove:   false,
		},
		nil, nil, "")
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create service container %q for job %q", svc.Name, s.job.Name),
			err,
		)
	}
	s.serviceIDs = append(s.serviceIDs, resp.ID)

	if err := e.Client.Inner().ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start service container %q for job %q", svc.Name, s.job.Name),
			err,
		)
	}
	e.verbosef("job %s: service %s up (%s)", s.job.Name, svc.Name, shortID(resp.ID))

	return nil
}

// startJobContainer creates and starts the job's main container. The
// container idles on `sleep infinity` so it outlives individual steps;
// each step is a separate exec inside it.
func (e *Executor) startJobContainer(ctx context.Context, s *dockerSession, now time.Time) error {
	if err := e.ensureImage(ctx, s.job.Image); err != nil {
		return err
	}

	resp, err := e.Client.Inner().ContainerCreate(ctx,
		&container.Config{
			Image:      s.job.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: containerWorkDir,
			Labels:     JobLabels(e.RunID, s.job.Name, now),
		},
		&container.HostConfig{
			Binds: []string{e.WorkDir + ":" + containerWorkDir},
			// host-gateway resolves to the host on both Linux and
			// Docker Desktop, so service host ports stay reachable.
			ExtraHosts: []string{"host.docker.internal:host-gateway"},
		},
		nil, nil, "")
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create container for job %q", s.job.Name),
			err,
		)
	}
	s.containerID = resp.ID

	if err := e.Client.Inner().ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container for job %q", s.job.Name),
			err,
		)
	}
	e.verbosef("job %s: container up (%s)", s.job.Name, shortID(resp.ID))

	return nil
}

// ensureImage makes the image available locally, pulling it when the
// daemon does not have it yet.
func (e *Executor) ensureImage(ctx context.Context, ref string) error {
	_, _, err := e.Client.Inner().ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to inspect image %q", ref),
			err,
		)
	}

	e.verbosef("pulling image %s", ref)
	reader, err := e.Client.Inner().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to pull image %q", ref),
			err,
		)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("image pull for %q interrupted", ref),
			err,
		)
	}
	return nil
}

// dockerSession holds the containers backing one running job.
type dockerSession struct {
	client      *Client
	job         model.Job
	containerID string
	serviceIDs  []string

	// env is the job env plus the MATRIXCI_SERVICE_* variables minted
	// when the sidecars were published.
	env map[string]string
}

// RunStep executes one step inside the job container via the Docker
// exec API. Stdout and stderr are demultiplexed into one combined
// stream, the way CI logs interleave them.
func (s *dockerSession) RunStep(ctx context.Context, step model.Step) (*runner.StepOutcome, error) {
	// Keep a handle on the run context: its cancellation means the
	// whole run is being torn down, which must not be confused with a
	// per-step timeout expiring.
	parent := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	execResp, err := s.client.Inner().ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", step.Run},
		Env:          execEnv(s.env, step.Env),
		WorkingDir:   containerWorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if parent.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, parent.Err())
		}
		return nil, fmt.Errorf("step %q: exec create failed: %w", step.Name, err)
	}

	attach, err := s.client.Inner().ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		if parent.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, parent.Err())
		}
		return nil, fmt.Errorf("step %q: exec attach failed: %w", step.Name, err)
	}
	defer attach.Close()

	var out bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		// The exec was created with TTY disabled, so the stream is
		// multiplexed and must be demuxed with stdcopy.
		_, copyErr := stdcopy.StdCopy(&out, &out, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Closing the attach unblocks the copy goroutine. The exec
		// process itself keeps running in the container; Close removes
		// the container with force, which kills it.
		attach.Close()
		<-copyDone
		if parent.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, parent.Err())
		}
		fmt.Fprintf(&out, "\nstep timed out after %s\n", step.Timeout)
		return &runner.StepOutcome{ExitCode: -1, Output: out.Bytes()}, nil

	case copyErr := <-copyDone:
		if copyErr != nil {
			if parent.Err() != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, parent.Err())
			}
			return nil, fmt.Errorf("step %q: reading exec output: %w", step.Name, copyErr)
		}
	}

	inspect, err := s.client.Inner().ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("step %q: exec inspect failed: %w", step.Name, err)
	}

	return &runner.StepOutcome{ExitCode: inspect.ExitCode, Output: out.Bytes()}, nil
}

// Close force-removes the job container and its service sidecars.
// Removal is best-effort per container; the first error is returned
// after all removals have been attempted.
func (s *dockerSession) Close(ctx context.Context) error {
	var firstErr error

	remove := func(id string) {
		if id == "" {
			return
		}
		err := s.client.Inner().ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
		}
	}

	remove(s.containerID)
	s.containerID = ""
	for _, id := range s.serviceIDs {
		remove(id)
	}
	s.serviceIDs = nil

	return firstErr
}

// execEnv flattens the session env layered with the step env into the
// KEY=value slice the exec API takes. Unlike host execution no
// passthrough variables are added; the container image provides its
// own base environment.
func execEnv(sessionEnv, stepEnv map[string]string) []string {
	merged := make(map[string]string, len(sessionEnv)+len(stepEnv))
	for k, v := range sessionEnv {
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

// serviceEnvPrefix derives the MATRIXCI_SERVICE_<NAME> variable prefix
// from a service name: uppercased, with dashes folded to underscores.
func serviceEnvPrefix(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, "-", "_")
	return "MATRIXCI_SERVICE_" + upper
}

// shortID trims a container ID to the 12-character form Docker's own
// CLI prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ListLeftovers returns the IDs of all containers on the daemon that
// carry matrixci labels, including stopped ones. Used by cleanup after
// interrupted runs.
func ListLeftovers(ctx context.Context, cli *Client) ([]string, error) {
	filterArgs := filters.NewArgs()
	for key, value := range FilterLabels() {
		filterArgs.Add("label", key+"="+value)
	}

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// RemoveLeftovers force-removes every container tagged with matrixci
// labels. Removal continues past individual failures; the first error
// is returned at the end.
func RemoveLeftovers(ctx context.Context, cli *Client) (int, error) {
	ids, err := ListLeftovers(ctx, cli)
	if err != nil {
		return 0, err
	}

	var firstErr error
	removed := 0
	for _, id := range ids {
		err := cli.Inner().ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
