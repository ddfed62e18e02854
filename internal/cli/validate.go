package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/matrixci/internal/config"
	"github.com/mmr-tortoise/matrixci/internal/model"
)

// NewValidateCommand creates the "validate" subcommand, which checks
// the pipeline file without executing anything.
func NewValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline file without running it",
		Long: `Validate loads the pipeline file, checks it structurally and semantically,
and reports every violation at once. Exit code 0 means the file would run;
2 means no file was found; 3 means it is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePipeline(file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline file path (default: discover in current directory)")

	return cmd
}

// validateResult is the JSON shape for validate output, success and
// failure alike.
type validateResult struct {
	File       string   `json:"file"`
	Valid      bool     `json:"valid"`
	Jobs       int      `json:"jobs,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

func validatePipeline(file string) error {
	p, path, err := loadPipeline(file)
	if err != nil {
		// Validation failures get the full violation list, not just
		// the first problem.
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			reportInvalid(path, verr.Violations)
			return model.NewCLIError(model.ExitConfigInvalid, fmt.Sprintf("pipeline file has %d problem(s)", len(verr.Violations)))
		}
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) && cliErr.Code == model.ExitConfigInvalid {
			reportInvalid(path, []string{cliErr.Error()})
		}
		return err
	}

	// Expansion can still fail on a structurally valid file (duplicate
	// job names, bad timeout strings), so it is part of validation.
	jobs, err := config.Expand(p)
	if err != nil {
		reportInvalid(path, []string{err.Error()})
		return model.NewCLIError(model.ExitConfigInvalid, err.Error())
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(validateResult{File: path, Valid: true, Jobs: len(jobs)}, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%s: valid, %d job(s)\n", path, len(jobs))
	}
	return nil
}

// reportInvalid prints the violation list. In JSON mode it goes to
// stdout as the command's structured result; the error line still goes
// to stderr via Execute.
func reportInvalid(path string, violations []string) {
	if jsonOutput {
		data, _ := json.MarshalIndent(validateResult{File: path, Valid: false, Violations: violations}, "", "  ")
		fmt.Println(string(data))
		return
	}

	for _, v := range violations {
		fmt.Fprintf(os.Stderr, "  - %s\n", v)
	}
}
