package sim

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"genesis/internal/genesiscfg"
	"genesis/internal/metrics"
	"genesis/internal/traits"
	"genesis/traitapi"
)

// Growth and infection tuning. These are engine behavior, not deployment
// knobs, so they stay constants.
const (
	spawnBatch          = 2
	growthEnergyHigh    = 0.85
	growthEnergyMid     = 0.70
	virusIgniteProb     = 0.001
	virusSpreadRadius   = 40.0
	virusSpreadProb     = 0.25
	virusEnergyDrain    = 0.5
	spawnEnergyMin      = 50.0
	spawnEnergyMax      = 100.0
	broadcastEveryTicks = 2
	statsLogEveryTicks  = 100
)

// SnapshotCache stores a world snapshot out-of-core and returns its key.
type SnapshotCache interface {
	Put(ctx context.Context, tick uint64, snap *WorldSnapshot) (key string, err error)
}

// TelemetrySink receives the telemetry event after a snapshot is cached.
type TelemetrySink interface {
	PublishTelemetry(ctx context.Context, tick uint64, snapshotKey string)
}

// FrameSink receives encoded binary world frames for fan-out.
type FrameSink interface {
	BroadcastFrame(frame []byte)
}

// Checkpointer persists durable checkpoints.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}

// Deps are the engine's collaborators. Any of them may be nil; the matching
// stage degrades to a no-op.
type Deps struct {
	Registry    *traits.Registry
	Executor    *traits.Executor
	Snapshots   SnapshotCache
	Telemetry   TelemetrySink
	Frames      FrameSink
	Checkpoints Checkpointer
	Metrics     *metrics.Metrics
}

// Stats is the point-in-time view the API reads without touching engine
// internals. Kill counters are cumulative over the process lifetime.
type Stats struct {
	Tick            uint64  `json:"tick"`
	EntityCount     int     `json:"entity_count"`
	MolbotCount     int     `json:"molbot_count"`
	PredatorCount   int     `json:"predator_count"`
	ResourceCount   int     `json:"resource_count"`
	AvgEnergy       float64 `json:"avg_energy"`
	PredatorKills   uint64  `json:"predator_kills"`
	VirusKills      uint64  `json:"virus_kills"`
	PredatorDeaths  uint64  `json:"predator_deaths"`
	VirusActive     bool    `json:"virus_active"`
	RegistryVersion uint64  `json:"registry_version"`
}

// Engine drives the world at a fixed cadence. All entity and environment
// mutation happens from its tick stages; other subsystems interact only
// through the registry, the bus, and the read-only Stats view.
type Engine struct {
	cfg *genesiscfg.Config
	log *zap.Logger
	dep Deps

	entities *EntityStore
	env      *Environment
	rng      *rand.Rand

	tick       uint64
	deathStats map[string]int

	predatorKills  uint64
	virusKills     uint64
	predatorDeaths uint64

	virusActive         bool
	lastRegistryVersion uint64
	forceUpgrade        bool

	stats atomic.Pointer[Stats]
}

// NewEngine builds an engine with an empty world.
func NewEngine(cfg *genesiscfg.Config, log *zap.Logger, dep Deps) *Engine {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	g := &Engine{
		cfg:        cfg,
		log:        log.Named("engine"),
		dep:        dep,
		entities:   NewEntityStore(),
		env:        NewEnvironment(cfg.WorldWidth, cfg.WorldHeight, cfg.ResourceEnergy, cfg.ResourceSpawnRate, cfg.InitialResources, rng),
		rng:        rng,
		deathStats: map[string]int{},
	}
	if dep.Registry != nil {
		g.lastRegistryVersion = dep.Registry.Version()
	}
	g.stats.Store(&Stats{})
	return g
}

// SeedPopulation spawns n molbots at random positions with randomized
// starting energy.
func (g *Engine) SeedPopulation(n int) {
	for i := 0; i < n; i++ {
		g.spawnMolbot("")
	}
}

// Restore rebuilds the world from a checkpoint. Trait instances are not
// attached here; the first registry-upgrade pass reattaches every active
// family to the restored population.
func (g *Engine) Restore(cp *Checkpoint) {
	g.tick = cp.Tick
	for _, ec := range cp.Entities {
		if ec.State != StateAlive {
			continue
		}
		var e *Entity
		if ec.EntityType == TypePredator {
			e = NewPredator(ec.X, ec.Y, cp.Tick)
		} else {
			e = NewMolbot(ec.X, ec.Y, ec.Energy, cp.Tick, ec.ParentID)
		}
		e.ID = ec.ID
		e.Energy = ec.Energy
		e.MaxEnergy = ec.MaxEnergy
		e.Age = ec.Age
		g.entities.Insert(e)
	}
	g.forceUpgrade = true
	g.log.Info("world restored from checkpoint",
		zap.Uint64("tick", cp.Tick),
		zap.Int("entities", len(cp.Entities)))
}

// Stats returns the latest published view.
func (g *Engine) Stats() Stats {
	return *g.stats.Load()
}

// Tick returns the current tick counter.
func (g *Engine) Tick() uint64 {
	return atomic.LoadUint64(&g.tick)
}

// Run drives ticks until ctx is canceled.
func (g *Engine) Run(ctx context.Context) error {
	period := g.cfg.TickPeriod()
	g.log.Info("tick engine starting",
		zap.Duration("period", period),
		zap.Int("entities", g.entities.Len()),
		zap.Int("resources", g.env.Len()))

	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		start := time.Now()
		g.runTick(ctx)
		elapsed := time.Since(start)

		if g.dep.Metrics != nil {
			g.dep.Metrics.TickDuration.Observe(elapsed.Seconds())
		}
		if elapsed >= period {
			if g.dep.Metrics != nil {
				g.dep.Metrics.TickOverruns.Inc()
			}
			g.log.Debug("tick overrun", zap.Uint64("tick", g.tick), zap.Duration("elapsed", elapsed))
			continue
		}

		timer.Reset(period - elapsed)
		select {
		case <-ctx.Done():
			g.log.Info("tick engine stopping", zap.Uint64("tick", g.tick))
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runTick executes the fixed stage order. A stage failure is logged and the
// tick continues.
func (g *Engine) runTick(ctx context.Context) {
	atomic.AddUint64(&g.tick, 1)

	g.stage("update", func() { g.stageUpdate(ctx) })
	g.stage("physics", g.stagePhysics)
	g.stage("reap", g.stageReap)
	g.stage("predators", g.stagePredators)
	g.stage("virus", g.stageVirus)
	g.stage("registry_upgrade", g.stageRegistryUpgrade)
	g.stage("broadcast", g.stageBroadcast)
	g.stage("growth", g.stageGrowth)
	g.stage("resources", func() { g.env.Respawn() })
	g.stage("telemetry", func() { g.stageTelemetry(ctx) })
	g.stage("checkpoint", g.stageCheckpoint)

	g.publishStats()

	if g.tick%statsLogEveryTicks == 0 {
		s := g.Stats()
		g.log.Info("world statistics",
			zap.Uint64("tick", s.Tick),
			zap.Int("molbots", s.MolbotCount),
			zap.Int("predators", s.PredatorCount),
			zap.Int("resources", s.ResourceCount),
			zap.Float64("avg_energy", s.AvgEnergy))
	}
}

func (g *Engine) stage(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("tick stage failed", zap.String("stage", name), zap.Any("panic", r), zap.Uint64("tick", g.tick))
		}
	}()
	fn()
}

// stageUpdate ages entities, applies metabolism and infection drain, then
// runs the trait list under the executor. Age, metabolism rate, and energy
// are snapshotted around the trait run; afterwards only the energy gained
// through eat_nearby is applied, so trait code cannot fabricate energy, stop
// aging, or disable metabolism.
func (g *Engine) stageUpdate(ctx context.Context) {
	for _, e := range g.entities.Alive() {
		e.Age++
		if e.MaxAge > 0 && e.Age > e.MaxAge {
			e.Kill(DeathOldAge)
			continue
		}
		e.Energy -= e.MetabolismRate
		if e.Infected {
			e.Energy -= virusEnergyDrain
		}
		if e.Energy <= 0 {
			if e.Infected {
				e.Kill(DeathVirus)
			} else {
				e.Kill(DeathStarvation)
			}
			continue
		}

		if g.dep.Executor == nil || len(e.Traits) == 0 {
			continue
		}

		snapAge := e.Age
		snapEnergy := e.Energy
		snapMetabolism := e.MetabolismRate
		var eaten float64

		view := g.bindView(e, &eaten)
		g.dep.Executor.ExecuteAll(ctx, e.ID, view, e.Traits, e.Deactivated)

		e.Age = snapAge
		e.MetabolismRate = snapMetabolism
		e.Energy = snapEnergy
		if eaten > 0 {
			e.GainEnergy(eaten)
		}
	}
}

// bindView builds the restricted entity view handed to trait code, with the
// world callbacks closed over the real entity.
func (g *Engine) bindView(e *Entity, eaten *float64) *traitapi.Entity {
	view := &traitapi.Entity{
		ID:             e.ID,
		X:              e.X,
		Y:              e.Y,
		Energy:         e.Energy,
		MaxEnergy:      e.MaxEnergy,
		Age:            e.Age,
		MaxAge:         e.MaxAge,
		MetabolismRate: e.MetabolismRate,
		State:          e.State,
		EntityType:     e.EntityType,
	}
	view.Bind(
		func(dx, dy float64) {
			e.Move(dx, dy)
			view.X, view.Y = e.X, e.Y
		},
		func(radius float64) bool {
			res := g.env.Nearest(e.X, e.Y, radius)
			if res == nil {
				return false
			}
			gain, ok := g.env.Consume(res.ID)
			if !ok {
				return false
			}
			*eaten += gain
			view.Energy = e.Energy + *eaten
			return true
		},
		func(radius, damage float64) bool {
			var target *Entity
			best := radius * radius
			for _, n := range g.entities.Nearby(e.X, e.Y, radius, e.ID) {
				if n.EntityType != TypePredator {
					continue
				}
				dx, dy := n.X-e.X, n.Y-e.Y
				if d := dx*dx + dy*dy; d <= best {
					best = d
					target = n
				}
			}
			if target == nil {
				return false
			}
			target.Energy -= damage
			if target.Energy <= 0 {
				target.Kill(DeathStarvation)
			}
			return true
		},
		func(name string) {
			e.Deactivated[traits.Canonical(name)] = struct{}{}
		},
		func(name string) {
			delete(e.Deactivated, traits.Canonical(name))
		},
	)
	return view
}

// stagePhysics clamps everyone inside the world, rebuilds both spatial
// indexes, and separates overlapping pairs.
func (g *Engine) stagePhysics() {
	for _, e := range g.entities.Alive() {
		clampToBounds(e, g.cfg.WorldWidth, g.cfg.WorldHeight)
	}
	g.entities.RebuildIndex()
	g.env.RebuildIndex()

	for _, pair := range g.entities.DetectOverlaps() {
		separatePair(pair[0], pair[1])
		clampToBounds(pair[0], g.cfg.WorldWidth, g.cfg.WorldHeight)
		clampToBounds(pair[1], g.cfg.WorldWidth, g.cfg.WorldHeight)
	}
	g.entities.RebuildIndex()
}

// stageReap removes dead entities and attributes the cause.
func (g *Engine) stageReap() {
	for _, e := range g.entities.All() {
		if e.State != StateDead {
			continue
		}
		cause := e.deathCause
		if cause == "" {
			cause = DeathStarvation
		}
		g.deathStats[cause]++
		switch {
		case e.EntityType == TypePredator:
			g.predatorDeaths++
		case cause == DeathPredator:
			g.predatorKills++
		case cause == DeathVirus:
			g.virusKills++
		}
		g.entities.Remove(e.ID)
	}
}

// stagePredators spawns predators when molbots are plentiful and runs each
// predator's hunt.
func (g *Engine) stagePredators() {
	molbots := g.entities.CountType(TypeMolbot)
	predators := g.entities.CountType(TypePredator)

	if molbots > g.cfg.PredatorSpawnThreshold && predators < g.cfg.MaxPredators {
		p := NewPredator(g.rng.Float64()*g.cfg.WorldWidth, g.rng.Float64()*g.cfg.WorldHeight, g.tick)
		g.entities.Insert(p)
		g.log.Info("predator spawned", zap.String("id", p.ID), zap.Int("molbots", molbots))
	}

	for _, p := range g.entities.Alive() {
		if p.EntityType != TypePredator {
			continue
		}
		prey := g.nearestMolbot(p, predatorHuntRadius)
		if prey == nil {
			continue
		}
		dx, dy := prey.X-p.X, prey.Y-p.Y
		p.Move(dx, dy)
		dx, dy = prey.X-p.X, prey.Y-p.Y
		contact := p.Radius + prey.Radius
		if dx*dx+dy*dy < contact*contact {
			prey.Kill(DeathPredator)
			p.GainEnergy(predatorKillEnergy)
		}
	}
}

func (g *Engine) nearestMolbot(p *Entity, radius float64) *Entity {
	var best *Entity
	bestD := radius * radius
	for _, n := range g.entities.Nearby(p.X, p.Y, radius, p.ID) {
		if n.EntityType != TypeMolbot {
			continue
		}
		dx, dy := n.X-p.X, n.Y-p.Y
		if d := dx*dx + dy*dy; d <= bestD {
			bestD = d
			best = n
		}
	}
	return best
}

// stageVirus ignites an outbreak with small probability when the population
// is large, spreads infection between neighbors, and counts recovery down.
func (g *Engine) stageVirus() {
	alive := g.entities.Alive()

	if !g.virusActive {
		molbots := g.entities.CountType(TypeMolbot)
		if molbots > g.cfg.VirusSpawnThreshold && g.rng.Float64() < virusIgniteProb {
			for _, e := range alive {
				if e.EntityType == TypeMolbot {
					e.Infected = true
					e.RecoveryTicks = g.cfg.VirusDurationTicks
					g.virusActive = true
					g.log.Info("virus outbreak ignited", zap.String("patient_zero", e.ID), zap.Uint64("tick", g.tick))
					break
				}
			}
		}
		return
	}

	anyInfected := false
	for _, e := range alive {
		if !e.Infected {
			continue
		}
		anyInfected = true
		for _, n := range g.entities.Nearby(e.X, e.Y, virusSpreadRadius, e.ID) {
			if n.Infected || n.EntityType != TypeMolbot {
				continue
			}
			if g.rng.Float64() < virusSpreadProb {
				n.Infected = true
				n.RecoveryTicks = g.cfg.VirusDurationTicks
			}
		}
		e.RecoveryTicks--
		if e.RecoveryTicks <= 0 {
			e.Infected = false
		}
	}
	if !anyInfected {
		g.virusActive = false
		g.log.Info("virus outbreak ended", zap.Uint64("tick", g.tick))
	}
}

// stageRegistryUpgrade propagates registry changes to living entities:
// families present on the entity are replaced in-place with the current
// class, removed families are dropped, and new families are appended while
// the trait list has room.
func (g *Engine) stageRegistryUpgrade() {
	if g.dep.Registry == nil {
		return
	}
	ver := g.dep.Registry.Version()
	if ver == g.lastRegistryVersion && !g.forceUpgrade {
		return
	}
	g.lastRegistryVersion = ver
	g.forceUpgrade = false

	snap := g.dep.Registry.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, e := range g.entities.Alive() {
		kept := e.Traits[:0]
		for _, inst := range e.Traits {
			entry, ok := snap[inst.Name]
			if !ok {
				continue
			}
			kept = append(kept, entry.NewInstance())
		}
		e.Traits = kept
		for _, name := range names {
			if len(e.Traits) >= g.cfg.MaxActiveTraits {
				break
			}
			if !e.HasTrait(name) {
				e.Traits = append(e.Traits, snap[name].NewInstance())
			}
		}
		e.RecomputeDNA()
	}
	g.log.Info("registry upgrade pass applied",
		zap.Uint64("registry_version", ver),
		zap.Int("families", len(snap)))
}

func (g *Engine) stageBroadcast() {
	if g.dep.Frames == nil || g.tick%broadcastEveryTicks != 0 {
		return
	}
	g.dep.Frames.BroadcastFrame(EncodeFrame(g.tick, g.entities.Alive(), g.env.All()))
}

// stageGrowth keeps the population between the floor and the ceiling. Dips
// below the floor are refilled slowly so they stay visible to the watcher.
func (g *Engine) stageGrowth() {
	molbots := g.entities.CountType(TypeMolbot)
	total := len(g.entities.Alive())

	spawn := 0
	switch {
	case molbots < g.cfg.MinPopulation:
		spawn = spawnBatch
	default:
		avg := g.avgMolbotEnergy()
		if avg >= growthEnergyHigh*molbotMaxEnergy {
			spawn = 2
		} else if avg >= growthEnergyMid*molbotMaxEnergy {
			spawn = 1
		}
	}
	for i := 0; i < spawn && total+i < g.cfg.MaxEntities; i++ {
		g.spawnMolbot("")
	}
}

func (g *Engine) spawnMolbot(parentID string) *Entity {
	energy := spawnEnergyMin + g.rng.Float64()*(spawnEnergyMax-spawnEnergyMin)
	e := NewMolbot(g.rng.Float64()*g.cfg.WorldWidth, g.rng.Float64()*g.cfg.WorldHeight, energy, g.tick, parentID)
	g.entities.Insert(e)
	return e
}

func (g *Engine) avgMolbotEnergy() float64 {
	sum, n := 0.0, 0
	for _, e := range g.entities.Alive() {
		if e.EntityType == TypeMolbot {
			sum += e.Energy
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// stageTelemetry produces the periodic world snapshot, caches it, publishes
// the telemetry event, and resets the death counters for the next window.
func (g *Engine) stageTelemetry(ctx context.Context) {
	if g.tick%uint64(g.cfg.SnapshotIntervalTicks) != 0 {
		return
	}
	snap := g.BuildSnapshot()
	g.deathStats = map[string]int{}

	if g.dep.Snapshots == nil {
		return
	}
	key, err := g.dep.Snapshots.Put(ctx, snap.Tick, snap)
	if err != nil {
		g.log.Warn("snapshot cache write failed", zap.Error(err), zap.Uint64("tick", snap.Tick))
		return
	}
	if g.dep.Telemetry != nil {
		g.dep.Telemetry.PublishTelemetry(ctx, snap.Tick, key)
	}
}

// BuildSnapshot assembles the current aggregate view. Death stats are copied
// so the snapshot stays immutable across the counter reset.
func (g *Engine) BuildSnapshot() *WorldSnapshot {
	deaths := make(map[string]int, len(g.deathStats))
	for k, v := range g.deathStats {
		deaths[k] = v
	}
	return &WorldSnapshot{
		Tick:          g.tick,
		EntityCount:   len(g.entities.Alive()),
		AvgEnergy:     g.avgMolbotEnergy(),
		ResourceCount: g.env.Len(),
		DeathStats:    deaths,
		Timestamp:     time.Now().UTC(),
	}
}

// stageCheckpoint persists a durable checkpoint off the tick path.
func (g *Engine) stageCheckpoint() {
	if g.dep.Checkpoints == nil || g.cfg.CheckpointIntervalTicks <= 0 {
		return
	}
	if g.tick%uint64(g.cfg.CheckpointIntervalTicks) != 0 {
		return
	}
	cp := g.BuildCheckpoint()
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.dep.Checkpoints.SaveCheckpoint(saveCtx, cp); err != nil {
			g.log.Warn("checkpoint save failed", zap.Error(err), zap.Uint64("tick", cp.Tick))
		}
	}()
}

// BuildCheckpoint captures the full durable state at the current tick.
func (g *Engine) BuildCheckpoint() *Checkpoint {
	alive := g.entities.Alive()
	cp := &Checkpoint{
		Tick:        g.tick,
		WorldWidth:  g.cfg.WorldWidth,
		WorldHeight: g.cfg.WorldHeight,
		Entities:    make([]EntityCheckpoint, 0, len(alive)),
		DeathStats:  map[string]int{},
		SavedAt:     time.Now().UTC(),
	}
	for k, v := range g.deathStats {
		cp.DeathStats[k] = v
	}
	for _, e := range alive {
		cp.Entities = append(cp.Entities, EntityCheckpoint{
			ID:         e.ID,
			X:          e.X,
			Y:          e.Y,
			Energy:     e.Energy,
			MaxEnergy:  e.MaxEnergy,
			Age:        e.Age,
			TraitNames: e.TraitNames(),
			State:      e.State,
			ParentID:   e.ParentID,
			EntityType: e.EntityType,
		})
	}
	if g.dep.Registry != nil {
		cp.TraitSources = g.dep.Registry.Sources()
	}
	return cp
}

func (g *Engine) publishStats() {
	alive := g.entities.Alive()
	molbots, predators := 0, 0
	for _, e := range alive {
		if e.EntityType == TypePredator {
			predators++
		} else {
			molbots++
		}
	}
	s := &Stats{
		Tick:           g.tick,
		EntityCount:    len(alive),
		MolbotCount:    molbots,
		PredatorCount:  predators,
		ResourceCount:  g.env.Len(),
		AvgEnergy:      g.avgMolbotEnergy(),
		PredatorKills:  g.predatorKills,
		VirusKills:     g.virusKills,
		PredatorDeaths: g.predatorDeaths,
		VirusActive:    g.virusActive,
	}
	if g.dep.Registry != nil {
		s.RegistryVersion = g.dep.Registry.Version()
	}
	g.stats.Store(s)

	if g.dep.Metrics != nil {
		g.dep.Metrics.Entities.Set(float64(len(alive)))
		g.dep.Metrics.Resources.Set(float64(g.env.Len()))
	}
}
