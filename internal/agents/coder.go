package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/llm"
	"genesis/internal/sandbox"
	"genesis/internal/store"
	"genesis/internal/traits"
)

// coderSystemPrompt embeds the entity API and the safety rules the validator
// enforces, so most completions pass on the first attempt.
const coderSystemPrompt = `You write behavior traits for a 2-D life simulation, in Go.

Output ONLY Go source, in a single code block, following this exact contract:
- package trait
- imports limited to: math, math/rand, sort, context, errors, genesis/traitapi
- one struct whose name ends in Trait (it may hold per-instance state)
- a pointer-receiver method: func (t *XxxTrait) Execute(ctx context.Context, entity *traitapi.Entity) error
- a factory: func New() func(context.Context, *traitapi.Entity) error
  that returns the Execute method of a fresh instance. New takes no parameters.

The entity surface you may use:
  fields:  ID, X, Y, Energy, MaxEnergy, Age, MaxAge, MetabolismRate, State, EntityType
  methods: Move(dx, dy), EatNearby(radius) bool, AttackNearby(radius, damage) bool,
           IsAlive() bool, DeactivateTrait(name), ActivateTrait(name)

Hard rules: no goroutines, no channels, no select, no panic/print, no
reflection, no other imports, no other entity members. Entity methods are
synchronous; call them inline. Keep Execute fast: it runs every tick for
every entity under a millisecond-scale budget.`

// Coder turns an evolution plan into validated trait source on disk. One
// validation-error-guided retry; a second failure aborts the cycle for this
// plan.
type Coder struct {
	cfg       *genesiscfg.Config
	log       *zap.Logger
	bus       EventBus
	llm       llm.Client
	validator *sandbox.Validator
	store     *store.Store
	cycles    *CycleManager

	version atomic.Int64
}

// NewCoder builds a coder. st may be nil (no durable mutation records).
func NewCoder(cfg *genesiscfg.Config, log *zap.Logger, eventBus EventBus, client llm.Client,
	validator *sandbox.Validator, st *store.Store, cycles *CycleManager) *Coder {
	c := &Coder{
		cfg:       cfg,
		log:       log.Named("coder"),
		bus:       eventBus,
		llm:       client,
		validator: validator,
		store:     st,
		cycles:    cycles,
	}
	// Resume version numbering where the previous process left off; retained
	// trait files carry the version in their name and must not be overwritten.
	if st != nil {
		if v, err := st.MaxMutationVersion(context.Background()); err != nil {
			c.log.Warn("version counter seed failed", zap.Error(err))
		} else {
			c.version.Store(int64(v))
		}
	}
	return c
}

// HandlePlan runs the coding stage for one plan.
func (c *Coder) HandlePlan(ctx context.Context, ev bus.EvolutionPlan) {
	c.bus.PublishFeed(agentCoder, "coding",
		fmt.Sprintf("generating trait %s", ev.TargetClass),
		map[string]any{"cycle_id": ev.CycleID, "plan_id": ev.PlanID})

	source, result, err := c.generateValidated(ctx, ev)
	if err != nil {
		c.log.Warn("trait generation failed", zap.Error(err), zap.String("plan_id", ev.PlanID))
		c.bus.PublishFeed(agentCoder, "failed", err.Error(),
			map[string]any{"cycle_id": ev.CycleID, "plan_id": ev.PlanID})
		if ferr := c.cycles.Fail(ctx, err.Error()); ferr != nil {
			c.log.Warn("cycle fail release failed", zap.Error(ferr))
		}
		return
	}

	version := int(c.version.Add(1))
	canonical := traits.Canonical(result.TraitClass)
	filePath := filepath.Join(c.cfg.MutationsDir, fmt.Sprintf("trait_%s_v%d.go", canonical, version))

	if err := os.MkdirAll(c.cfg.MutationsDir, 0o755); err != nil {
		c.failPlan(ctx, ev, fmt.Errorf("create mutations dir: %w", err))
		return
	}
	if err := os.WriteFile(filePath, []byte(source), 0o644); err != nil {
		c.failPlan(ctx, ev, fmt.Errorf("write trait file: %w", err))
		return
	}

	mutationID := uuid.NewString()
	if c.store != nil {
		rec := &store.MutationRecord{
			MutationID: mutationID,
			PlanID:     ev.PlanID,
			CycleID:    ev.CycleID,
			TraitName:  canonical,
			Version:    version,
			CodeHash:   result.SourceHash,
			FilePath:   filePath,
			Status:     store.StatusQueued,
		}
		if err := c.store.SaveMutation(ctx, rec); err != nil {
			c.log.Warn("mutation record save failed", zap.Error(err))
		}
		if err := c.store.SaveMutationSource(ctx, mutationID, source); err != nil {
			c.log.Warn("mutation source save failed", zap.Error(err))
		}
	}

	ready := bus.MutationReady{
		MutationID: mutationID,
		PlanID:     ev.PlanID,
		CycleID:    ev.CycleID,
		FilePath:   filePath,
		TraitName:  canonical,
		Version:    version,
		CodeHash:   result.SourceHash,
	}
	if err := c.bus.PublishMutationReady(ready); err != nil {
		c.failPlan(ctx, ev, fmt.Errorf("mutation ready publish failed: %w", err))
		return
	}
	if err := c.cycles.UpdateStage(ctx, StagePatching); err != nil {
		c.log.Warn("cycle stage update failed", zap.Error(err))
	}
	c.log.Info("mutation ready",
		zap.String("mutation_id", mutationID),
		zap.String("trait", canonical),
		zap.Int("version", version))
}

// generateValidated asks the LLM for source and validates it, retrying once
// with the validation error embedded as guidance.
func (c *Coder) generateValidated(ctx context.Context, ev bus.EvolutionPlan) (string, *sandbox.ValidationResult, error) {
	prompt := fmt.Sprintf("Write the trait %s.\nPurpose: %s\nAction type: %s\n",
		ev.TargetClass, ev.Description, ev.ActionType)

	resp, err := c.llm.CompleteWithSystem(ctx, coderSystemPrompt, prompt)
	if err != nil {
		return "", nil, fmt.Errorf("LLM code generation failed: %w", err)
	}
	source := llm.ExtractCode(resp)

	result := c.validator.Validate(ctx, source)
	if result.Valid {
		return source, result, nil
	}

	c.log.Info("validation failed, retrying with guidance",
		zap.String("reason", string(result.Reason)),
		zap.String("message", result.Message))

	retryPrompt := fmt.Sprintf("%s\nYour previous attempt was rejected by the validator:\n  %s: %s\nFix exactly this problem and return the full corrected source.",
		prompt, result.Reason, result.Message)
	resp, err = c.llm.CompleteWithSystem(ctx, coderSystemPrompt, retryPrompt)
	if err != nil {
		return "", nil, fmt.Errorf("LLM code generation failed on retry: %w", err)
	}
	source = llm.ExtractCode(resp)

	result = c.validator.Validate(ctx, source)
	if !result.Valid {
		return "", nil, fmt.Errorf("validation failed after retry: %s: %s", result.Reason, result.Message)
	}
	return source, result, nil
}

func (c *Coder) failPlan(ctx context.Context, ev bus.EvolutionPlan, err error) {
	c.log.Warn("coding stage failed", zap.Error(err), zap.String("plan_id", ev.PlanID))
	c.bus.PublishFeed(agentCoder, "failed", err.Error(),
		map[string]any{"cycle_id": ev.CycleID, "plan_id": ev.PlanID})
	if ferr := c.cycles.Fail(ctx, err.Error()); ferr != nil {
		c.log.Warn("cycle fail release failed", zap.Error(ferr))
	}
}
