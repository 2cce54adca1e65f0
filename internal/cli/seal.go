package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/foundry/internal/store"
)

// SealOptions holds flags for the seal command.
type SealOptions struct {
	*RootOptions
	Database  string
	MaxEvents int
}

// SealedBlock summarizes one sealed block for command output.
type SealedBlock struct {
	BlockID    int64  `json:"block_id"`
	FirstSeq   int64  `json:"first_seq"`
	LastSeq    int64  `json:"last_seq"`
	EventCount int    `json:"event_count"`
	MerkleRoot string `json:"merkle_root"`
	BlockHash  string `json:"block_hash"`
}

// SealResult is the seal command's output payload.
type SealResult struct {
	Blocks []SealedBlock `json:"blocks"`
	Events int           `json:"events"`
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal unsealed events into integrity blocks",
		Long: `Seal all events not yet covered by an integrity block. Each block
records the Merkle root of its events and chains to the previous block's
hash, so later tampering is detectable by verify.

Examples:
  foundry seal --db ./foundry.db
  foundry seal --db ./foundry.db --max-events 500`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().IntVar(&opts.MaxEvents, "max-events", store.DefaultSealMaxEvents, "maximum events per block")

	return cmd
}

func runSeal(opts *SealOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var result SealResult
	for {
		block, err := st.SealIntegrityBlock(ctx, opts.MaxEvents)
		if err != nil {
			return WrapExitError(ExitCommandError, "sealing failed", err)
		}
		if block == nil {
			break
		}
		result.Blocks = append(result.Blocks, SealedBlock{
			BlockID:    block.BlockID,
			FirstSeq:   block.FirstSeq,
			LastSeq:    block.LastSeq,
			EventCount: int(block.EventCount),
			MerkleRoot: block.MerkleRoot,
			BlockHash:  block.BlockHash,
		})
		result.Events += int(block.EventCount)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result})
	}

	w := cmd.OutOrStdout()
	if len(result.Blocks) == 0 {
		fmt.Fprintln(w, "Nothing to seal.")
		return nil
	}
	for _, b := range result.Blocks {
		fmt.Fprintf(w, "Sealed block %d: events %d-%d (%d), root %s\n",
			b.BlockID, b.FirstSeq, b.LastSeq, b.EventCount, b.MerkleRoot)
	}
	fmt.Fprintf(w, "✓ Sealed %d event(s) into %d block(s)\n", result.Events, len(result.Blocks))
	return nil
}
