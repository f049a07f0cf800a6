package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"genesis/internal/agents"
	"genesis/internal/api"
	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/llm"
	"genesis/internal/logging"
	"genesis/internal/metrics"
	"genesis/internal/sandbox"
	"genesis/internal/sim"
	"genesis/internal/store"
	"genesis/internal/traits"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "genesis",
	Short: "genesis - autonomous evolutionary sandbox",
	Long: `genesis runs a real-time 2-D world of energy-seeking agents whose
behavior evolves at runtime: a watcher detects population anomalies, an
LLM designs and writes new behavior traits, and a validator hot-loads
them into the running simulation. State survives restarts through
periodic checkpoints.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulation, the evolution pipeline, and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "genesis.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// telemetrySink adapts the bus to the engine's telemetry hook.
type telemetrySink struct {
	bus *bus.Bus
	log *zap.Logger
}

func (t telemetrySink) PublishTelemetry(ctx context.Context, tick uint64, snapshotKey string) {
	ev := bus.Telemetry{Tick: tick, SnapshotKey: snapshotKey, Timestamp: time.Now().UTC()}
	if err := t.bus.PublishTelemetry(ev); err != nil {
		t.log.Warn("telemetry publish failed", zap.Error(err))
	}
}

func runServe(ctx context.Context) error {
	cfg, err := genesiscfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	natsStoreDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "nats-data")
	eventBus, err := bus.Connect(cfg.NATSURL, natsStoreDir, log)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()
	js := eventBus.JetStream()

	snaps, err := bus.NewSnapshotCache(ctx, js)
	if err != nil {
		return fmt.Errorf("create snapshot cache: %w", err)
	}
	cycles, err := agents.NewCycleManager(ctx, js, cfg.EvolutionCooldown(), log)
	if err != nil {
		return fmt.Errorf("create cycle manager: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	executor := traits.NewExecutor(cfg.TraitTimeout(), cfg.TickTimeBudget(),
		traitErrorReporter(eventBus, log))
	validator := sandbox.NewValidator(st)
	loader := sandbox.NewLoader()

	hub := api.NewHub(log)
	engine := sim.NewEngine(cfg, log, sim.Deps{
		Registry:    registry,
		Executor:    executor,
		Snapshots:   snaps,
		Telemetry:   telemetrySink{bus: eventBus, log: log},
		Frames:      hub,
		Checkpoints: st,
		Metrics:     m,
	})
	if err := restoreWorld(ctx, cfg, log, st, loader, registry, engine); err != nil {
		return err
	}

	watcher := agents.NewWatcher(cfg, log, eventBus, snaps)
	patcher := agents.NewPatcher(log, eventBus, validator, loader, registry, st, cycles, m)
	gatekeeper := agents.NewGatekeeper(cfg, log, eventBus, validator, st)

	var llmClient llm.Client
	if cfg.LLMAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout(), m.LLMLatency)
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		llmClient = gemini
	} else {
		log.Warn("no LLM API key configured; evolution planning and coding are disabled")
	}

	if _, err := eventBus.SubscribeTelemetry(func(ev bus.Telemetry) {
		watcher.HandleTelemetry(ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	if llmClient != nil {
		architect := agents.NewArchitect(log, eventBus, llmClient, cycles)
		coder := agents.NewCoder(cfg, log, eventBus, llmClient, validator, st, cycles)
		if _, err := eventBus.SubscribeTrigger(func(ev bus.EvolutionTrigger) {
			architect.HandleTrigger(ctx, ev)
		}); err != nil {
			return fmt.Errorf("subscribe triggers: %w", err)
		}
		if _, err := eventBus.SubscribePlan(func(ev bus.EvolutionPlan) {
			coder.HandlePlan(ctx, ev)
		}); err != nil {
			return fmt.Errorf("subscribe plans: %w", err)
		}
	}
	if _, err := eventBus.SubscribeMutationReady(func(ev bus.MutationReady) {
		patcher.HandleMutationReady(ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe mutation ready: %w", err)
	}
	if _, err := eventBus.SubscribeMutationApplied(func(ev bus.MutationApplied) {
		watcher.HandleMutationApplied(ev)
		gatekeeper.HandleApplied(ev)
	}); err != nil {
		return fmt.Errorf("subscribe mutation applied: %w", err)
	}
	if _, err := eventBus.SubscribeMutationFailed(func(ev bus.MutationFailed) {
		gatekeeper.HandleFailed(ev)
	}); err != nil {
		return fmt.Errorf("subscribe mutation failed: %w", err)
	}
	if _, err := eventBus.SubscribeMutationRollback(func(ev bus.MutationRollback) {
		patcher.HandleRollback(ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe mutation rollback: %w", err)
	}
	if _, err := eventBus.SubscribeFeed(func(ev bus.FeedMessage) {
		meta := ""
		if len(ev.Metadata) > 0 {
			meta = fmt.Sprintf("%v", ev.Metadata)
		}
		if err := st.SaveFeedMessage(ctx, ev.Agent, ev.Action, ev.Message, meta); err != nil {
			log.Debug("feed archive failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("subscribe feed: %w", err)
	}

	server := api.NewServer(cfg.HTTPAddr, api.Options{
		Log:        log,
		Engine:     engine,
		Registry:   registry,
		Hub:        hub,
		Triggers:   eventBus,
		Gatekeeper: gatekeeper,
		Cycles:     cycles,
		Store:      st,
		Gatherer:   promReg,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return engine.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })
	group.Go(func() error { return watcher.RunPeriodic(groupCtx) })
	group.Go(func() error { return purgeMutationsLoop(groupCtx, st, log) })

	log.Info("genesis running",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Int("tick_rate_ms", cfg.TickRateMS))

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", zap.Error(err))
	}

	// Final checkpoint so a clean restart resumes where this run stopped.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := st.SaveCheckpoint(saveCtx, engine.BuildCheckpoint()); cerr != nil {
		log.Warn("final checkpoint failed", zap.Error(cerr))
	} else {
		log.Info("final checkpoint saved", zap.Uint64("tick", engine.Tick()))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// feedPublisher is the one bus capability the executor's error hook needs.
type feedPublisher interface {
	PublishFeed(agent, action, message string, metadata map[string]any)
}

// traitErrorReporter escalates the first failure of a trait family to the
// agent feed so observers see the deactivation, not just the operator log.
func traitErrorReporter(feeds feedPublisher, log *zap.Logger) traits.FirstErrorFunc {
	return func(entityID, traitName string, err error) {
		log.Warn("trait deactivated after first failure",
			zap.String("entity_id", entityID),
			zap.String("trait", traitName),
			zap.Error(err))
		feeds.PublishFeed("executor", "trait_deactivated",
			fmt.Sprintf("trait %s deactivated: %v", traitName, err),
			map[string]any{"entity_id": entityID, "trait_name": traitName})
	}
}

// purgeMutationsLoop drops expired mutation records hourly.
func purgeMutationsLoop(ctx context.Context, st *store.Store, log *zap.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := st.PurgeExpiredMutations(ctx); err != nil {
			log.Warn("mutation purge failed", zap.Error(err))
		} else if n > 0 {
			log.Info("expired mutation records purged", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// restoreWorld loads the latest checkpoint, re-validates and hot-loads every
// retained trait source, and rebuilds the population. With no checkpoint the
// world is seeded fresh.
func restoreWorld(ctx context.Context, cfg *genesiscfg.Config, log *zap.Logger, st *store.Store,
	loader *sandbox.Loader, registry *traits.Registry, engine *sim.Engine) error {
	cp, err := st.LatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		engine.SeedPopulation(2 * cfg.MinPopulation)
		log.Info("world seeded", zap.Int("population", 2*cfg.MinPopulation))
		return nil
	}

	// Checkpointed source re-passes the static gate, but without the
	// dedup check: these hashes were marked used when first admitted.
	restoreValidator := sandbox.NewValidator(nil)
	if len(cp.TraitSources) > 0 {
		if err := os.MkdirAll(cfg.MutationsDir, 0o755); err != nil {
			return fmt.Errorf("create mutations dir: %w", err)
		}
	}
	for name, source := range cp.TraitSources {
		result := restoreValidator.Validate(ctx, source)
		if !result.Valid {
			log.Warn("checkpointed trait failed validation, dropping",
				zap.String("trait", name),
				zap.String("reason", string(result.Reason)))
			continue
		}
		factory, err := loader.Load(source)
		if err != nil {
			log.Warn("checkpointed trait failed to load, dropping",
				zap.String("trait", name), zap.Error(err))
			continue
		}
		// Rewrite the source into the mutations dir so retention and
		// rollback keep working across restarts.
		filePath := filepath.Join(cfg.MutationsDir, fmt.Sprintf("trait_%s_restored.go", name))
		if err := os.WriteFile(filePath, []byte(source), 0o644); err != nil {
			log.Warn("restored trait file write failed",
				zap.String("trait", name), zap.Error(err))
			filePath = ""
		}
		registry.Register(name, factory, filePath)
		registry.RegisterSource(name, source)
	}

	engine.Restore(cp)
	log.Info("world restored from checkpoint",
		zap.Uint64("tick", cp.Tick),
		zap.Int("entities", len(cp.Entities)),
		zap.Int("traits", len(cp.TraitSources)))
	return nil
}
