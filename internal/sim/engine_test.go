package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"genesis/internal/genesiscfg"
	"genesis/internal/traits"
	"genesis/traitapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// quietConfig returns a config with autonomous world dynamics turned down so
// tests observe only what they arrange.
func quietConfig() *genesiscfg.Config {
	cfg := genesiscfg.Default()
	cfg.MinPopulation = 1
	cfg.InitialResources = 0
	cfg.ResourceSpawnRate = 0
	cfg.SnapshotIntervalTicks = 1 << 30
	cfg.CheckpointIntervalTicks = 0
	return cfg
}

func newTestEngine(cfg *genesiscfg.Config, dep Deps) *Engine {
	return NewEngine(cfg, zap.NewNop(), dep)
}

func TestSeedPopulation(t *testing.T) {
	g := newTestEngine(quietConfig(), Deps{})
	g.SeedPopulation(10)
	assert.Equal(t, 10, g.entities.Len())
	for _, e := range g.entities.Alive() {
		assert.GreaterOrEqual(t, e.Energy, spawnEnergyMin)
		assert.LessOrEqual(t, e.Energy, spawnEnergyMax)
		assert.Equal(t, TypeMolbot, e.EntityType)
	}
}

func TestTickAgesAndMetabolizes(t *testing.T) {
	g := newTestEngine(quietConfig(), Deps{})
	e := NewMolbot(100, 100, 50, 0, "")
	g.entities.Insert(e)

	g.runTick(context.Background())
	g.runTick(context.Background())

	assert.Equal(t, 2, e.Age)
	assert.InDelta(t, 50-2*molbotMetabolism, e.Energy, 1e-9)
	assert.Equal(t, uint64(2), g.Tick())
}

func TestStarvationDeathIsReaped(t *testing.T) {
	g := newTestEngine(quietConfig(), Deps{})
	e := NewMolbot(100, 100, 0.1, 0, "")
	g.entities.Insert(e)

	g.runTick(context.Background())

	assert.Equal(t, 0, g.entities.Len())
	assert.Equal(t, 1, g.deathStats[DeathStarvation])
}

// registerTrait installs a family whose instances all run fn.
func registerTrait(r *traits.Registry, name string, fn traitapi.TraitFunc) {
	r.Register(name, func() traitapi.TraitFunc { return fn }, "")
}

func traitDeps(cfg *genesiscfg.Config) (Deps, *traits.Registry) {
	r := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	x := traits.NewExecutor(100*time.Millisecond, time.Second, nil)
	return Deps{Registry: r, Executor: x}, r
}

func TestTraitCannotFabricateEnergyOrStopAging(t *testing.T) {
	cfg := quietConfig()
	dep, registry := traitDeps(cfg)
	g := newTestEngine(cfg, dep)
	e := NewMolbot(100, 100, 50, 0, "")
	g.entities.Insert(e)

	registerTrait(registry, "greedy", func(ctx context.Context, view *traitapi.Entity) error {
		view.Energy = 99999
		view.Age = 0
		view.MetabolismRate = 0
		return nil
	})

	// Tick 1 attaches the family; tick 2 executes it.
	g.runTick(context.Background())
	g.runTick(context.Background())

	require.True(t, e.IsAlive())
	assert.InDelta(t, 50-2*molbotMetabolism, e.Energy, 1e-9)
	assert.Equal(t, 2, e.Age)
	assert.InDelta(t, molbotMetabolism, e.MetabolismRate, 1e-9)
}

func TestTraitEatGainIsApplied(t *testing.T) {
	cfg := quietConfig()
	dep, registry := traitDeps(cfg)
	g := newTestEngine(cfg, dep)
	e := NewMolbot(100, 100, 50, 0, "")
	g.entities.Insert(e)
	g.env.SpawnRandom()

	var ate bool
	registerTrait(registry, "eater", func(ctx context.Context, view *traitapi.Entity) error {
		if view.EatNearby(4000) {
			ate = true
		}
		return nil
	})

	g.runTick(context.Background())
	g.runTick(context.Background())

	require.True(t, ate)
	want := 50 - 2*molbotMetabolism + cfg.ResourceEnergy
	if want > molbotMaxEnergy {
		want = molbotMaxEnergy
	}
	assert.InDelta(t, want, e.Energy, 1e-9)
	assert.Equal(t, 0, g.env.Len())
}

func TestTraitMoveIsClamped(t *testing.T) {
	cfg := quietConfig()
	dep, registry := traitDeps(cfg)
	g := newTestEngine(cfg, dep)
	e := NewMolbot(1000, 1000, 50, 0, "")
	g.entities.Insert(e)

	registerTrait(registry, "sprinter", func(ctx context.Context, view *traitapi.Entity) error {
		view.Move(10000, 0)
		return nil
	})

	g.runTick(context.Background())
	before := e.X
	g.runTick(context.Background())
	assert.InDelta(t, before+MaxMovePerTick, e.X, 1e-9)
}

func TestRegistryUpgradeRewritesDNA(t *testing.T) {
	cfg := quietConfig()
	dep, registry := traitDeps(cfg)
	g := newTestEngine(cfg, dep)
	e := NewMolbot(100, 100, 50, 0, "")
	g.entities.Insert(e)
	baseDNA := e.DNA

	registerTrait(registry, "wanderer", func(ctx context.Context, view *traitapi.Entity) error { return nil })
	g.runTick(context.Background())

	require.True(t, e.HasTrait("wanderer"))
	assert.NotEqual(t, baseDNA, e.DNA)

	// Unregistering the family detaches it on the next pass.
	registry.Unregister("wanderer")
	g.runTick(context.Background())
	assert.False(t, e.HasTrait("wanderer"))
	assert.Equal(t, baseDNA, e.DNA)
}

func TestGrowthRefillsBelowFloor(t *testing.T) {
	cfg := quietConfig()
	cfg.MinPopulation = 20
	g := newTestEngine(cfg, Deps{})
	g.entities.Insert(NewMolbot(100, 100, 80, 0, ""))

	g.runTick(context.Background())
	assert.Equal(t, 1+spawnBatch, g.entities.Len())
}

func TestGrowthRespectsCeiling(t *testing.T) {
	cfg := quietConfig()
	cfg.MinPopulation = 20
	cfg.MaxEntities = 3
	g := newTestEngine(cfg, Deps{})
	for i := 0; i < 3; i++ {
		g.entities.Insert(NewMolbot(float64(100 * i), 100, 80, 0, ""))
	}

	g.runTick(context.Background())
	assert.LessOrEqual(t, g.entities.Len(), 3)
}

func TestCheckpointRestoreRoundtrip(t *testing.T) {
	cfg := quietConfig()
	dep, registry := traitDeps(cfg)
	g := newTestEngine(cfg, dep)
	g.SeedPopulation(5)
	registerTrait(registry, "wanderer", func(ctx context.Context, view *traitapi.Entity) error { return nil })
	registry.RegisterSource("wanderer", "package trait // wanderer")
	g.runTick(context.Background())

	cp := g.BuildCheckpoint()
	require.Len(t, cp.Entities, 5)
	assert.Equal(t, map[string]string{"wanderer": "package trait // wanderer"}, cp.TraitSources)

	restored := newTestEngine(cfg, dep)
	restored.Restore(cp)
	assert.Equal(t, cp.Tick, restored.Tick())
	restored.runTick(context.Background())

	stats := restored.Stats()
	assert.Equal(t, 5, stats.EntityCount)
	for _, e := range restored.entities.Alive() {
		assert.True(t, e.HasTrait("wanderer"))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := quietConfig()
	cfg.TickRateMS = 1
	g := newTestEngine(cfg, Deps{})
	g.SeedPopulation(3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, g.Tick(), uint64(0))
}

func TestBuildSnapshotCopiesDeathStats(t *testing.T) {
	g := newTestEngine(quietConfig(), Deps{})
	g.entities.Insert(NewMolbot(100, 100, 0.1, 0, ""))
	g.runTick(context.Background())

	snap := g.BuildSnapshot()
	require.Equal(t, 1, snap.DeathStats[DeathStarvation])

	g.deathStats = map[string]int{}
	assert.Equal(t, 1, snap.DeathStats[DeathStarvation])
}
