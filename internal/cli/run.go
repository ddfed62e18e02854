package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/matrixci/internal/config"
	"github.com/mmr-tortoise/matrixci/internal/model"
	"github.com/mmr-tortoise/matrixci/internal/report"
	"github.com/mmr-tortoise/matrixci/internal/runner"
)

// NewRunCommand creates the "run" subcommand, which expands the matrix
// and executes every job.
func NewRunCommand() *cobra.Command {
	var (
		file        string
		concurrency int
		only        []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Expand the matrix and execute every job",
		Long: `Run loads the pipeline file, expands the version matrix into jobs, and
executes them. Jobs are independent: one job failing never cancels its
siblings. Coverage uploads happen only for jobs whose steps all passed.

Ctrl-C cancels in-flight jobs and exits with code 5.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(file, concurrency, only)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline file path (default: discover in current directory)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Maximum jobs running at once (default: number of CPUs)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Run only jobs whose name contains one of these substrings")

	return cmd
}

func runPipeline(file string, concurrency int, only []string) error {
	p, path, err := loadPipeline(file)
	if err != nil {
		return err
	}
	VerboseLog("pipeline file: %s", path)

	jobs, err := config.Expand(p)
	if err != nil {
		return err
	}
	jobs, err = filterJobs(jobs, only)
	if err != nil {
		return err
	}
	VerboseLog("expanded %d job(s)", len(jobs))

	// Ctrl-C / SIGTERM cancels the run context; in-flight steps stop
	// and their jobs are reported canceled, exit code 5.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := "run-" + time.Now().Format("20060102-150405")
	workDir := config.ProjectDir(path)

	exec, closeExec, err := buildExecutor(ctx, jobs, workDir, runID)
	if err != nil {
		return err
	}
	defer closeExec()

	run := &runner.Runner{
		Executor: exec,
		Reporter: &report.Uploader{
			WorkDir: workDir,
			Logf:    func(format string, args ...any) { fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...) },
		},
		Concurrency: concurrency,
	}
	if !jsonOutput {
		run.Progress = func(jobName string, status model.Status) {
			fmt.Printf("[%s] %s\n", status, jobName)
		}
	}

	res := run.Run(ctx, runID, p.Name, jobs)

	if jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printRunSummary(res)
	}

	if code := res.ExitCode(); code != model.ExitSuccess {
		return model.NewCLIError(code, summarizeFailure(res))
	}
	return nil
}

// printRunSummary writes the per-job outcome table and, for failed
// jobs, their captured output.
func printRunSummary(res *model.RunResult) {
	fmt.Println()
	for i := range res.Jobs {
		jr := &res.Jobs[i]
		fmt.Printf("%-8s %s (%.1fs)\n", jr.Status, jr.Job.Name, jr.Duration().Seconds())
	}
	fmt.Printf("\nrun %s: %s (%d job(s), %.1fs)\n",
		res.ID, res.Status, len(res.Jobs), res.FinishedAt.Sub(res.StartedAt).Seconds())

	for i := range res.Jobs {
		jr := &res.Jobs[i]
		if jr.Status != model.StatusFailed {
			continue
		}
		fmt.Printf("\n--- output of failed job %s ---\n", jr.Job.Name)
		fmt.Print(jr.CombinedOutput())
		if jr.Error != "" {
			fmt.Printf("error: %s\n", jr.Error)
		}
	}
}

// summarizeFailure builds the one-line error message for a failed or
// canceled run.
func summarizeFailure(res *model.RunResult) string {
	if res.Status == model.StatusCanceled {
		return "run canceled"
	}

	failed := 0
	for i := range res.Jobs {
		if res.Jobs[i].Status == model.StatusFailed {
			failed++
		}
	}
	return fmt.Sprintf("%d of %d job(s) failed", failed, len(res.Jobs))
}
