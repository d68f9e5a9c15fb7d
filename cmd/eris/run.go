package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/checkpoint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/config"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/events"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/genesis"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var restoreName string
	var saveName string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the world until interrupted",
		Long: `Run seeds a fresh world through genesis, or restores a named checkpoint,
then drives every agent loop until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runWorld(cmd.Context(), cfg, restoreName, saveName)
		},
	}
	cmd.Flags().StringVar(&restoreName, "restore", "",
		"restore this checkpoint instead of running genesis")
	cmd.Flags().StringVar(&saveName, "save-on-exit", "",
		"save a checkpoint under this name on clean shutdown")
	return cmd
}

func runWorld(ctx context.Context, cfg *config.Config, restoreName, saveName string) error {
	logger := slog.Default()
	runID := uuid.NewString()
	logger = logger.With("run_id", runID[:8], "world", cfg.World.Name)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := buildWorld(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer w.close()

	fingerprint, err := checkpoint.ConfigFingerprint(cfg)
	if err != nil {
		return fmt.Errorf("fingerprint config: %w", err)
	}

	genesisDeps := genesis.Deps{
		Store:    w.store,
		IDs:      w.ids,
		Ledger:   w.ledger,
		Executor: w.executor,
		Mint:     w.mint,
		Clock:    w.clock,
		Gateway:  w.gateway,
		Kernel:   w.kernel,
		Logger:   logger,
	}
	if restoreName != "" {
		if err := restoreWorld(ctx, w, restoreName, fingerprint, logger); err != nil {
			return err
		}
		genesis.WireHosts(genesisDeps)
	} else {
		if err := genesis.Bootstrap(ctx, genesisDeps, cfg.Genesis); err != nil {
			return err
		}
	}

	registered := registerAgents(w)
	if registered == 0 {
		logger.Warn("no agents to run; the world is inert")
		return nil
	}
	logger.Info("world running", "agents", registered)

	// An invariant violation stops the world rather than limping on with a
	// corrupt ledger.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.executor.OnHalt(func(reason string) {
		logger.Error("world halted", "reason", reason)
		cancel()
	})

	// Scheduled triggers have no event to ride on; a ticker promotes the due
	// ones into wakes.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				for _, fire := range w.triggers.DueScheduled(now) {
					w.scheduler.Wake(fire)
				}
			}
		}
	}()

	if interval := cfg.World.SnapshotIntervalSeconds; interval > 0 {
		go snapshotLoop(runCtx, w, time.Duration(interval)*time.Second)
	}

	runErr := w.scheduler.Run(runCtx)

	if saveName != "" {
		if err := saveCheckpoint(w, saveName, fingerprint); err != nil {
			logger.Error("checkpoint on exit failed", "name", saveName, "error", err)
		} else {
			logger.Info("checkpoint saved", "name", saveName)
		}
	}
	if err := w.metrics.Shutdown(context.Background()); err != nil {
		logger.Warn("metrics shutdown failed", "error", err)
	}
	return runErr
}

// snapshotLoop periodically appends a balance snapshot event so the economy
// can be replayed from the journal without replaying every settlement.
func snapshotLoop(ctx context.Context, w *liveWorld, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.executor.EmitSystem(&events.Event{
				Type: events.TypeSnapshot,
				Payload: map[string]any{
					"balances":     w.ledger.Balances(),
					"total_supply": w.ledger.TotalSupply(),
					"artifacts":    len(w.store.Export()),
				},
			})
		}
	}
}

// registerAgents walks the store for standing, non-kernel agents and hands
// them to the scheduler. This covers both genesis seeds and restored worlds.
func registerAgents(w *liveWorld) int {
	count := 0
	for _, a := range w.store.Export() {
		if a.Type != artifacts.TypeAgent || !a.HasStanding || a.KernelProtected {
			continue
		}
		goal, _ := a.Metadata["goal"].(string)
		w.scheduler.AddAgent(a.ID, goal)
		count++
	}
	return count
}

func restoreWorld(ctx context.Context, w *liveWorld, name, fingerprint string, logger *slog.Logger) error {
	path := w.cfg.World.CheckpointDBPath
	if path == "" {
		return fmt.Errorf("restore requires world.checkpoint_db_path")
	}
	store, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bundle, err := store.Load(ctx, name)
	if err != nil {
		return err
	}
	if bundle.ConfigFingerprint != "" && bundle.ConfigFingerprint != fingerprint {
		logger.Warn("configuration changed since checkpoint",
			"checkpoint", bundle.ConfigFingerprint, "current", fingerprint)
	}
	if err := checkpoint.Apply(bundle, checkpointWorld(w)); err != nil {
		return err
	}
	logger.Info("checkpoint restored", "name", name, "event_number", bundle.EventNumber)
	return nil
}

func saveCheckpoint(w *liveWorld, name, fingerprint string) error {
	path := w.cfg.World.CheckpointDBPath
	if path == "" {
		return fmt.Errorf("checkpoint requires world.checkpoint_db_path")
	}
	store, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	bundle := checkpoint.Capture(checkpointWorld(w), fingerprint)
	return store.Save(context.Background(), name, bundle)
}

func checkpointWorld(w *liveWorld) checkpoint.World {
	return checkpoint.World{
		Clock:  w.clock,
		IDs:    w.ids,
		Store:  w.store,
		Ledger: w.ledger,
		Trig:   w.triggers,
		Mint:   w.mint,
	}
}
