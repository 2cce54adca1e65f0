package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/foundry/internal/workerd"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	ID            string
	MaxConcurrent int
}

// NewWorkerCommand creates the worker command: the reference worker
// speaking the wire protocol over stdin/stdout. The coordinator spawns
// it as "foundry worker"; it registers the builtin tool set.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the builtin worker over stdin/stdout",
		Long: `Run the reference worker: register the builtin tools (echo,
checksum, fib, sleep) and serve execute requests over stdin/stdout
until the coordinator closes the stream or sends a shutdown.

Examples:
  foundry worker --id wd-1 --max-concurrent 8`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "worker id (defaults to hostname-pid)")
	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 4, "maximum concurrent tool invocations")

	return cmd
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	id := opts.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := workerd.New(id, workerd.WithMaxConcurrent(opts.MaxConcurrent))
	workerd.RegisterBuiltins(w)

	if err := w.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
		return WrapExitError(ExitCommandError, "worker stopped", err)
	}
	return nil
}
