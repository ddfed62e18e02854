package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/matrixci/internal/docker"
)

// NewCleanCommand creates the "clean" subcommand, which removes
// containers left behind by interrupted runs. Normal runs remove their
// own containers; a SIGKILLed runner cannot, which is what the label
// schema exists for.
func NewCleanCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover containers from interrupted runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanLeftovers(cmd.Context(), dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List leftover containers without removing them")

	return cmd
}

// cleanResult is the JSON shape for clean output.
type cleanResult struct {
	Found   int  `json:"found"`
	Removed int  `json:"removed"`
	DryRun  bool `json:"dryRun"`
}

func cleanLeftovers(ctx context.Context, dryRun bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	if err := cli.Ping(ctx); err != nil {
		return err
	}

	ids, err := docker.ListLeftovers(ctx, cli)
	if err != nil {
		return err
	}

	removed := 0
	if !dryRun && len(ids) > 0 {
		removed, err = docker.RemoveLeftovers(ctx, cli)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(cleanResult{Found: len(ids), Removed: removed, DryRun: dryRun}, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if dryRun {
		fmt.Printf("%d leftover container(s) found\n", len(ids))
	} else {
		fmt.Printf("removed %d of %d leftover container(s)\n", removed, len(ids))
	}
	return nil
}
