package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/foundry/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database string
}

// VerifyResult is the verify command's output payload.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Blocks  int    `json:"blocks"`
	Error   string `json:"error,omitempty"`
	BlockID int64  `json:"block_id,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity chain of the event log",
		Long: `Verify every sealed integrity block: recompute each block's Merkle
root from the stored events and walk the hash chain from genesis.

Exit codes:
  0 - Chain verified
  1 - Tampering detected
  2 - Command error (database not found, etc.)

Examples:
  foundry verify --db ./foundry.db
  foundry verify --db ./foundry.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	report, err := st.VerifyIntegrity(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "verification aborted", err)
	}

	result := VerifyResult{
		Valid:   report.Valid,
		Blocks:  int(report.Blocks),
		Error:   report.Error,
		BlockID: report.BlockID,
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: "E_INTEGRITY", Message: result.Error}
		}
		if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		if result.Valid {
			fmt.Fprintf(w, "✓ Integrity verified: %d block(s)\n", result.Blocks)
		} else {
			fmt.Fprintf(w, "✗ %s (block %d)\n", result.Error, result.BlockID)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "integrity verification failed")
	}
	return nil
}
