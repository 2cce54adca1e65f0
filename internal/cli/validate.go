package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/foundry/internal/manifest"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Dir string
}

// ValidateResult is the validate command's output payload.
type ValidateResult struct {
	Workers []manifest.Worker `json:"workers"`
	Count   int               `json:"count"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate worker manifests",
		Long: `Load and schema-check the worker manifests in a directory without
starting anything.

Examples:
  foundry validate --manifests ./workers
  foundry validate --manifests ./workers --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "manifests", "", "path to manifest directory (required)")
	_ = cmd.MarkFlagRequired("manifests")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	workers, err := manifest.Load(opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "manifest validation failed", err)
	}

	result := ValidateResult{Workers: workers, Count: len(workers)}
	if result.Workers == nil {
		result.Workers = []manifest.Worker{}
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result})
	}

	w := cmd.OutOrStdout()
	if result.Count == 0 {
		fmt.Fprintln(w, "No worker manifests found.")
		return nil
	}
	for _, worker := range result.Workers {
		fmt.Fprintf(w, "✓ %s: %s (tools: %s, max %d)\n",
			worker.ID, worker.Command, strings.Join(worker.Tools, ", "), worker.MaxConcurrent)
	}
	fmt.Fprintf(w, "✓ %d valid worker manifest(s)\n", result.Count)
	return nil
}
