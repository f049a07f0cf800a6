package agents

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/metrics"
	"genesis/internal/sandbox"
	"genesis/internal/store"
	"genesis/internal/traits"
	"genesis/traitapi"
)

// Patcher is the last gate before live code: it re-validates the source on
// disk, evaluates it in a fresh interpreter, smoke-instantiates the factory,
// and only then swaps it into the registry.
type Patcher struct {
	log       *zap.Logger
	bus       EventBus
	validator *sandbox.Validator
	loader    *sandbox.Loader
	registry  *traits.Registry
	store     *store.Store
	cycles    *CycleManager
	metrics   *metrics.Metrics
}

// NewPatcher builds a patcher. st and m may be nil.
func NewPatcher(log *zap.Logger, eventBus EventBus, validator *sandbox.Validator, loader *sandbox.Loader,
	registry *traits.Registry, st *store.Store, cycles *CycleManager, m *metrics.Metrics) *Patcher {
	return &Patcher{
		log:       log.Named("patcher"),
		bus:       eventBus,
		validator: validator,
		loader:    loader,
		registry:  registry,
		store:     st,
		cycles:    cycles,
		metrics:   m,
	}
}

// HandleMutationReady loads one mutation into the registry.
func (p *Patcher) HandleMutationReady(ctx context.Context, ev bus.MutationReady) {
	p.setStatus(ctx, ev.MutationID, store.StatusValidating, "")

	raw, err := os.ReadFile(ev.FilePath)
	if err != nil {
		p.failMutation(ctx, ev, "validation", store.StatusFailed, "", fmt.Errorf("read trait file: %w", err))
		return
	}
	source := string(raw)

	// The file crossed a process boundary since the coder validated it, so
	// validate what is actually on disk.
	result := p.validator.Validate(ctx, source)
	if !result.Valid {
		p.failMutation(ctx, ev, "validation", store.StatusRejected, string(result.Reason),
			fmt.Errorf("%s: %s", result.Reason, result.Message))
		return
	}

	factory, err := p.loader.Load(source)
	if err != nil {
		p.failMutation(ctx, ev, "import", store.StatusFailed, "", err)
		return
	}

	if err := smokeInstantiate(factory); err != nil {
		p.failMutation(ctx, ev, "execution", store.StatusFailed, "", err)
		return
	}
	p.setStatus(ctx, ev.MutationID, store.StatusSandboxOK, "")

	evicted := p.registry.Register(ev.TraitName, factory, ev.FilePath)
	p.registry.RegisterSource(ev.TraitName, source)
	for _, path := range evicted {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("evicted trait file removal failed", zap.String("path", path), zap.Error(err))
		}
	}

	if p.store != nil {
		if err := p.store.MarkHashUsed(ctx, ev.CodeHash); err != nil {
			p.log.Warn("hash mark failed", zap.Error(err))
		}
	}
	p.setStatus(ctx, ev.MutationID, store.StatusActivated, "")

	applied := bus.MutationApplied{
		MutationID:      ev.MutationID,
		TraitName:       ev.TraitName,
		Version:         ev.Version,
		RegistryVersion: p.registry.Version(),
	}
	if err := p.bus.PublishMutationApplied(applied); err != nil {
		p.log.Warn("mutation applied publish failed", zap.Error(err))
	}
	p.bus.PublishFeed(agentPatcher, "activated",
		fmt.Sprintf("trait %s v%d is live", ev.TraitName, ev.Version),
		map[string]any{"cycle_id": ev.CycleID, "mutation_id": ev.MutationID})
	if p.metrics != nil {
		p.metrics.MutationOutcomes.WithLabelValues("applied").Inc()
	}
	if !isExternalCycle(ev.CycleID) {
		if err := p.cycles.Complete(ctx); err != nil {
			p.log.Warn("cycle complete failed", zap.Error(err))
		}
	}
	p.log.Info("mutation activated",
		zap.String("trait", ev.TraitName),
		zap.Int("version", ev.Version),
		zap.Uint64("registry_version", p.registry.Version()))
}

// HandleRollback removes a regressing trait family from the registry and
// deletes its retained files.
func (p *Patcher) HandleRollback(ctx context.Context, ev bus.MutationRollback) {
	files, ok := p.registry.Unregister(ev.TraitName)
	if !ok {
		p.log.Warn("rollback for unknown trait", zap.String("trait", ev.TraitName))
		return
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("trait file removal failed", zap.String("path", path), zap.Error(err))
		}
	}
	if p.store != nil && ev.MutationID != "" {
		if err := p.store.UpdateMutationStatus(ctx, ev.MutationID, store.StatusRolledBack, ""); err != nil {
			p.log.Warn("rollback status update failed", zap.Error(err))
		}
	}
	p.bus.PublishFeed(agentPatcher, "rolled_back",
		fmt.Sprintf("trait %s removed: %s (fitness delta %.2f)", ev.TraitName, ev.Reason, ev.FitnessDelta),
		map[string]any{"mutation_id": ev.MutationID, "trait_name": ev.TraitName})
	if p.metrics != nil {
		p.metrics.MutationOutcomes.WithLabelValues("rolled_back").Inc()
	}
	p.log.Info("trait rolled back",
		zap.String("trait", ev.TraitName),
		zap.Float64("fitness_delta", ev.FitnessDelta))
}

// smokeInstantiate builds one closure from the factory before any entity sees
// it. A panicking factory stays out of the registry.
func smokeInstantiate(factory traitapi.Factory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	fn := factory()
	if fn == nil {
		return fmt.Errorf("factory returned nil trait function")
	}
	return nil
}

func (p *Patcher) setStatus(ctx context.Context, mutationID, status, reason string) {
	if p.store == nil || mutationID == "" {
		return
	}
	if err := p.store.UpdateMutationStatus(ctx, mutationID, status, reason); err != nil {
		p.log.Warn("mutation status update failed",
			zap.String("mutation_id", mutationID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (p *Patcher) failMutation(ctx context.Context, ev bus.MutationReady, stage, status, reason string, cause error) {
	p.log.Warn("mutation rejected",
		zap.String("mutation_id", ev.MutationID),
		zap.String("stage", stage),
		zap.Error(cause))
	p.setStatus(ctx, ev.MutationID, status, reason)
	if err := p.bus.PublishMutationFailed(bus.MutationFailed{
		MutationID: ev.MutationID,
		Error:      cause.Error(),
		Stage:      stage,
	}); err != nil {
		p.log.Warn("mutation failed publish failed", zap.Error(err))
	}
	p.bus.PublishFeed(agentPatcher, "failed",
		fmt.Sprintf("trait %s rejected at %s stage: %v", ev.TraitName, stage, cause),
		map[string]any{"cycle_id": ev.CycleID, "mutation_id": ev.MutationID, "stage": stage})
	if p.metrics != nil {
		p.metrics.MutationOutcomes.WithLabelValues("rejected").Inc()
	}
	if !isExternalCycle(ev.CycleID) {
		if ferr := p.cycles.Fail(ctx, cause.Error()); ferr != nil {
			p.log.Warn("cycle fail release failed", zap.Error(ferr))
		}
	}
}
