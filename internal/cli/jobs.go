package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/matrixci/internal/config"
)

// NewJobsCommand creates the "jobs" subcommand: the dry-run view of
// the expanded matrix.
func NewJobsCommand() *cobra.Command {
	var (
		file string
		only []string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs the matrix expands to, without running them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listJobs(file, only)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline file path (default: discover in current directory)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "List only jobs whose name contains one of these substrings")

	return cmd
}

func listJobs(file string, only []string) error {
	p, _, err := loadPipeline(file)
	if err != nil {
		return err
	}

	jobs, err := config.Expand(p)
	if err != nil {
		return err
	}
	jobs, err = filterJobs(jobs, only)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode jobs: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	// tabwriter aligns the columns regardless of name length.
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tSTEPS\tSERVICES")
	for _, job := range jobs {
		image := job.Image
		if image == "" {
			image = "(host)"
		}
		enabled := 0
		for _, step := range job.Steps {
			if step.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\n", job.Name, image, enabled, len(job.Steps), len(job.Services))
	}
	return w.Flush()
}
