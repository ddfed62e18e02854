package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/matrixci/internal/docker"
	"github.com/mmr-tortoise/matrixci/internal/runner"
	"github.com/mmr-tortoise/matrixci/internal/server"
)

// NewServeCommand creates the "serve" subcommand: the HTTP mode that
// accepts pipeline submissions and reports run status.
func NewServeCommand() *cobra.Command {
	var (
		addr        string
		logDir      string
		workDir     string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline engine over HTTP",
		Long: `Serve exposes the same engine as "run" over HTTP: POST a pipeline file to
/api/pipelines, poll /api/runs/{id}, fetch job logs. Jobs execute on the
host shell, or in Docker when the daemon is reachable at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(addr, logDir, workDir, concurrency)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&logDir, "log-dir", ".matrixci-logs", "Directory for persisted job logs")
	cmd.Flags().StringVar(&workDir, "workdir", ".", "Working directory jobs execute in")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Maximum jobs running at once per submitted run")

	return cmd
}

func serve(addr, logDir, workDir string, concurrency int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := &dispatchExecutor{host: runner.NewHostExecutor(workDir)}

	// Docker is optional in serve mode: without a daemon, submitted
	// pipelines that need containers fail per-job with exit code 4
	// while host-only pipelines keep working.
	if cli, err := docker.NewClient(); err == nil {
		if err := cli.Ping(ctx); err == nil {
			dexec := docker.NewExecutor(cli, workDir, "server")
			dexec.Verbose = VerboseLog
			exec.docker = dexec
			defer func() { _ = cli.Close() }()
			VerboseLog("docker daemon reachable, container jobs enabled")
		} else {
			_ = cli.Close()
			VerboseLog("docker daemon not responding, container jobs disabled")
		}
	} else {
		VerboseLog("docker not available, container jobs disabled")
	}

	srv := server.New(server.Options{
		LogDir:      logDir,
		Executor:    exec,
		Concurrency: concurrency,
		BaseCtx:     ctx,
		Logf:        func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "matrixci server listening on %s\n", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful drain: stop accepting connections, give in-flight
	// requests a bounded window to finish. In-flight runs see the
	// canceled base context and wind down as canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
