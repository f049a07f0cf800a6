package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/llm"
	"genesis/internal/sandbox"
	"genesis/internal/sim"
	"genesis/internal/traits"
)

// TestEvolutionPipeline drives one full cycle by hand: a starving world's
// telemetry becomes a trigger, the trigger a plan, the plan validated source,
// and the source a live registry family.
func TestEvolutionPipeline(t *testing.T) {
	cfg := genesiscfg.Default()
	cfg.MutationsDir = t.TempDir()

	b := &fakeBus{}
	snaps := &fakeSnapshots{snaps: map[string]*sim.WorldSnapshot{}}
	registry := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	validator := sandbox.NewValidator(nil)
	log := zap.NewNop()

	client := &llm.MockClient{
		CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
			return `{"trait_name": "ForagerTrait", "description": "seek food when hungry", "action_type": "new_trait"}`, nil
		},
		CompleteWithSystemFunc: func(ctx context.Context, system, user string) (string, error) {
			return "```go\n" + goodTraitSource + "```", nil
		},
	}

	watcher := NewWatcher(cfg, log, b, snaps)
	architect := NewArchitect(log, b, client, nil)
	coder := NewCoder(cfg, log, b, client, validator, nil, nil)
	patcher := NewPatcher(log, b, validator, sandbox.NewLoader(), registry, nil, nil, nil)

	ctx := context.Background()

	// Starving world.
	snaps.snaps["snapshot.300"] = snap(300, 100, 12)
	watcher.HandleTelemetry(ctx, bus.Telemetry{Tick: 300, SnapshotKey: "snapshot.300"})
	require.Len(t, b.triggers, 1)
	assert.Equal(t, "starvation", b.triggers[0].ProblemType)

	architect.HandleTrigger(ctx, b.triggers[0])
	require.Len(t, b.plans, 1)

	coder.HandlePlan(ctx, b.plans[0])
	require.Len(t, b.ready, 1)

	patcher.HandleMutationReady(ctx, b.ready[0])
	require.Len(t, b.applied, 1)

	entry, ok := registry.Get("forager")
	require.True(t, ok)
	assert.Equal(t, "forager", entry.Name)
	assert.NotNil(t, entry.Factory())

	// A later snapshot that shows regression rolls the trait back out.
	watcher.HandleMutationApplied(b.applied[0])
	snaps.snaps["snapshot.600"] = snap(600, 60, 60)
	watcher.HandleTelemetry(ctx, bus.Telemetry{Tick: 600, SnapshotKey: "snapshot.600"})
	require.Len(t, b.rollbacks, 1)

	patcher.HandleRollback(ctx, b.rollbacks[0])
	_, ok = registry.Get("forager")
	assert.False(t, ok)
}
