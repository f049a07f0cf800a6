package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/llm"
)

// Architect turns an evolution trigger into a plan: one LLM call that names
// the trait the coder should write.
type Architect struct {
	log    *zap.Logger
	bus    EventBus
	llm    llm.Client
	cycles *CycleManager
}

// NewArchitect builds an architect.
func NewArchitect(log *zap.Logger, eventBus EventBus, client llm.Client, cycles *CycleManager) *Architect {
	return &Architect{
		log:    log.Named("architect"),
		bus:    eventBus,
		llm:    client,
		cycles: cycles,
	}
}

type planResponse struct {
	TraitName   string `json:"trait_name"`
	Description string `json:"description"`
	ActionType  string `json:"action_type"`
}

// HandleTrigger runs the planning stage for one trigger. A busy cycle lock
// turns the trigger into a skipped feed message, not an error.
func (a *Architect) HandleTrigger(ctx context.Context, ev bus.EvolutionTrigger) {
	acquired, err := a.cycles.Start(ctx, ev)
	if err != nil {
		a.log.Warn("cycle lock check failed", zap.Error(err))
		return
	}
	if !acquired {
		a.bus.PublishFeed(agentArchitect, "skipped",
			fmt.Sprintf("trigger %s skipped: another cycle is active", ev.TriggerID),
			map[string]any{"cycle_id": ev.CycleID, "trigger_id": ev.TriggerID})
		return
	}

	a.bus.PublishFeed(agentArchitect, "starting",
		fmt.Sprintf("planning adaptation for %s (%s)", ev.ProblemType, ev.Severity),
		map[string]any{"cycle_id": ev.CycleID, "problem_type": ev.ProblemType})

	resp, err := a.llm.Complete(ctx, buildPlanPrompt(ev))
	if err != nil {
		a.failCycle(ctx, ev, "LLM plan generation failed", err)
		return
	}

	var plan planResponse
	if err := llm.DecodeJSON(resp, &plan); err != nil {
		a.failCycle(ctx, ev, "LLM plan response was not valid JSON", err)
		return
	}
	if plan.TraitName == "" || plan.Description == "" || plan.ActionType == "" {
		a.failCycle(ctx, ev, "LLM plan response is missing required fields", nil)
		return
	}

	out := bus.EvolutionPlan{
		PlanID:      uuid.NewString(),
		TriggerID:   ev.TriggerID,
		CycleID:     ev.CycleID,
		ActionType:  plan.ActionType,
		Description: plan.Description,
		TargetClass: plan.TraitName,
	}
	if err := a.bus.PublishPlan(out); err != nil {
		a.failCycle(ctx, ev, "plan publish failed", err)
		return
	}
	if err := a.cycles.UpdateStage(ctx, StageCoding); err != nil {
		a.log.Warn("cycle stage update failed", zap.Error(err))
	}
	a.log.Info("evolution plan published",
		zap.String("plan_id", out.PlanID),
		zap.String("target_class", out.TargetClass))
}

func (a *Architect) failCycle(ctx context.Context, ev bus.EvolutionTrigger, reason string, err error) {
	if err != nil {
		a.log.Warn(reason, zap.Error(err), zap.String("trigger_id", ev.TriggerID))
	} else {
		a.log.Warn(reason, zap.String("trigger_id", ev.TriggerID))
	}
	a.bus.PublishFeed(agentArchitect, "failed", reason,
		map[string]any{"cycle_id": ev.CycleID, "trigger_id": ev.TriggerID})
	if ferr := a.cycles.Fail(ctx, reason); ferr != nil {
		a.log.Warn("cycle fail release failed", zap.Error(ferr))
	}
}

func buildPlanPrompt(ev bus.EvolutionTrigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The simulated world has a %s problem with severity %s.\n", ev.ProblemType, ev.Severity)
	fmt.Fprintf(&b, "Affected entities: %d. Suggested area: %s.\n\n", ev.AffectedEntities, ev.SuggestedArea)
	fmt.Fprintf(&b, "World context: %d entities, average energy %.1f, %d resources.\n",
		ev.WorldContext.EntityCount, ev.WorldContext.AvgEnergy, ev.WorldContext.ResourceCount)
	if len(ev.WorldContext.DeathStats) > 0 {
		fmt.Fprintf(&b, "Recent deaths by cause: %v.\n", ev.WorldContext.DeathStats)
	}
	b.WriteString(`
Design ONE behavioral trait that addresses this problem.
Respond with a single JSON object, no prose:
{"trait_name": "<CamelCase name ending in Trait>", "description": "<one sentence>", "action_type": "new_trait"}`)
	return b.String()
}
