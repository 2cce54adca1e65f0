package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/foundry/internal/config"
	"github.com/roach88/foundry/internal/manifest"
	"github.com/roach88/foundry/internal/pool"
	"github.com/roach88/foundry/internal/scheduler"
	"github.com/roach88/foundry/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution backend",
		Long: `Run the full backend: open the event store, start the scheduler and
the worker-pool coordinator, spawn the workers declared in the manifest
directory, and seal integrity blocks periodically until interrupted.

Examples:
  foundry serve
  foundry serve --config ./foundry.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults apply when omitted)")

	return cmd
}

func runServe(opts *ServeOptions) error {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	setupLogging(cfg.Log, opts.Verbose)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	defer st.Close()

	sched := scheduler.New(cfg.SchedulerConfig())
	coord := pool.New(cfg.PoolConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Manifests.Dir != "" {
		workers, err := manifest.Load(cfg.Manifests.Dir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load worker manifests", err)
		}
		spawnWorkers(coord, workers)

		if cfg.Manifests.Watch {
			dir := cfg.Manifests.Dir
			g.Go(func() error {
				return manifest.Watch(ctx, dir, func(workers []manifest.Worker, err error) {
					if err != nil {
						return // already logged by the watcher
					}
					spawnWorkers(coord, workers)
				})
			})
		}
	}

	g.Go(func() error { return flushLoop(ctx, st, time.Duration(cfg.Store.FlushInterval)) })
	g.Go(func() error { return sealLoop(ctx, st, time.Duration(cfg.Store.SealInterval), cfg.Store.SealMaxEvents) })

	slog.Info("foundry serving",
		"store", cfg.Store.Path,
		"manifests", cfg.Manifests.Dir,
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	coord.Shutdown()
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "backend failed", err)
	}

	// Final flush and seal so an orderly shutdown leaves nothing
	// unsealed.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := st.Flush(flushCtx); err != nil {
		slog.Error("final flush failed", "error", err)
	}
	if _, err := st.SealIntegrityBlock(flushCtx, cfg.Store.SealMaxEvents); err != nil {
		slog.Error("final seal failed", "error", err)
	}
	return nil
}

// spawnWorkers launches every manifest worker not already attached. A
// single worker failing to start does not stop the rest.
func spawnWorkers(coord *pool.Coordinator, workers []manifest.Worker) {
	attached := make(map[string]bool)
	for _, d := range coord.Workers() {
		attached[d.ID] = true
	}

	for _, w := range workers {
		if attached[w.ID] {
			continue
		}
		id, err := coord.Spawn(w.Command, w.Args...)
		if err != nil {
			slog.Error("failed to spawn worker", "manifest_id", w.ID, "command", w.Command, "error", err)
			continue
		}
		slog.Info("worker spawned", "manifest_id", w.ID, "worker_id", id)
	}
}

// flushLoop makes buffered events durable on a fixed cadence.
func flushLoop(ctx context.Context, st *store.Store, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := st.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("flush failed", "error", err)
			}
		}
	}
}

// sealLoop seals accumulated durable events into integrity blocks.
func sealLoop(ctx context.Context, st *store.Store, interval time.Duration, maxEvents int) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := st.SealIntegrityBlock(ctx, maxEvents); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("seal failed", "error", err)
			}
		}
	}
}

func setupLogging(cfg config.Log, verbose bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	ho := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, ho)
	} else {
		handler = slog.NewTextHandler(os.Stderr, ho)
	}
	slog.SetDefault(slog.New(handler))
}
