package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/foundry/internal/replay"
	"github.com/roach88/foundry/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	EntityID string
}

// ReplayEntityResult holds the replay result for a single entity.
type ReplayEntityResult struct {
	EntityID      string `json:"entity_id"`
	Events        int    `json:"events"`
	Deterministic bool   `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entities         []ReplayEntityResult `json:"entities"`
	TotalEntities    int                  `json:"total_entities"`
	AllDeterministic bool                 `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify determinism",
		Long: `Replay each entity's events twice through the replay engine, with
virtual time and derived randomness active, and verify that both passes
produce identical traces.

Exit codes:
  0 - All entities replay deterministically
  1 - Determinism verification failed
  2 - Command error (database not found, etc.)

Examples:
  foundry replay --db ./foundry.db
  foundry replay --db ./foundry.db --entity order-42
  foundry replay --db ./foundry.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "replay a specific entity only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var entities []string
	if opts.EntityID != "" {
		entities = []string{opts.EntityID}
	} else {
		entities, err = st.ListEntities(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list entities", err)
		}
	}

	result := ReplayResult{
		Entities:         make([]ReplayEntityResult, 0, len(entities)),
		TotalEntities:    len(entities),
		AllDeterministic: true,
	}

	engine := replay.NewEngine(st)
	for _, entity := range entities {
		entityResult, err := replayAndVerifyEntity(ctx, engine, entity)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay entity %s", entity), err)
		}
		result.Entities = append(result.Entities, entityResult)
		if !entityResult.Deterministic {
			result.AllDeterministic = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

// replayAndVerifyEntity replays one entity twice and compares traces.
func replayAndVerifyEntity(ctx context.Context, engine *replay.Engine, entityID string) (ReplayEntityResult, error) {
	first, err := replayTrace(ctx, engine, entityID)
	if err != nil {
		return ReplayEntityResult{}, fmt.Errorf("first replay: %w", err)
	}
	second, err := replayTrace(ctx, engine, entityID)
	if err != nil {
		return ReplayEntityResult{}, fmt.Errorf("second replay: %w", err)
	}

	deterministic := len(first) == len(second)
	if deterministic {
		for i := range first {
			if first[i] != second[i] {
				deterministic = false
				break
			}
		}
	}

	return ReplayEntityResult{
		EntityID:      entityID,
		Events:        len(first),
		Deterministic: deterministic,
	}, nil
}

// replayTrace walks one full replay session, recording per-event state
// that must be identical across passes.
func replayTrace(ctx context.Context, engine *replay.Engine, entityID string) ([]string, error) {
	if _, err := engine.StartReplay(ctx, entityID); err != nil {
		return nil, err
	}
	defer engine.EndReplay(entityID)

	var trace []string
	for {
		e, ok := engine.NextEvent(entityID)
		if !ok {
			break
		}
		trace = append(trace, fmt.Sprintf("%d|%s|%d|%.17g",
			e.Version, e.Type, engine.Now(entityID).UnixNano(), engine.Random(entityID, "verify")))
	}
	return trace, nil
}

func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	resp := CLIResponse{Status: "ok", Data: result}
	if !result.AllDeterministic {
		resp.Status = "error"
		resp.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d entity(ies)\n\n", result.TotalEntities)
	for _, entity := range result.Entities {
		status := "✓"
		if !entity.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d event(s)\n", status, entity.EntityID, entity.Events)
	}
	fmt.Fprintln(w)

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All entities replay deterministically")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
