package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/sim"
)

// typicalMaxEnergy anchors the starvation thresholds.
const typicalMaxEnergy = 100.0

// Anomaly is one detected problem in a snapshot.
type Anomaly struct {
	ProblemType      string
	Severity         string
	AffectedEntities int
	SuggestedArea    string
}

var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// SnapshotGetter loads a cached snapshot by its key.
type SnapshotGetter interface {
	Get(ctx context.Context, key string) (*sim.WorldSnapshot, error)
}

type fitnessBaseline struct {
	mutationID        string
	traitName         string
	baselineCount     int
	windowStartsAfter uint64
}

// Watcher consumes telemetry and decides when the world needs evolving:
// anomaly detection with a wall-clock cooldown, fitness evaluation of
// recently applied mutations, and an independent periodic trigger.
type Watcher struct {
	cfg   *genesiscfg.Config
	log   *zap.Logger
	bus   EventBus
	snaps SnapshotGetter

	mu          sync.Mutex
	lastTrigger time.Time
	prev        *sim.WorldSnapshot
	baselines   map[string]fitnessBaseline
}

// NewWatcher builds a watcher.
func NewWatcher(cfg *genesiscfg.Config, log *zap.Logger, eventBus EventBus, snaps SnapshotGetter) *Watcher {
	return &Watcher{
		cfg:       cfg,
		log:       log.Named("watcher"),
		bus:       eventBus,
		snaps:     snaps,
		baselines: map[string]fitnessBaseline{},
	}
}

// HandleTelemetry processes one telemetry event.
func (w *Watcher) HandleTelemetry(ctx context.Context, ev bus.Telemetry) {
	snap, err := w.snaps.Get(ctx, ev.SnapshotKey)
	if err != nil {
		w.log.Warn("snapshot load failed", zap.String("key", ev.SnapshotKey), zap.Error(err))
		return
	}

	w.evaluateFitness(snap)

	anomalies := DetectAnomalies(snap, w.cfg)
	if len(anomalies) > 0 {
		cycleID := uuid.NewString()
		for _, a := range anomalies {
			w.bus.PublishFeed(agentWatcher, "anomaly_detected",
				fmt.Sprintf("%s (%s): %d entities affected", a.ProblemType, a.Severity, a.AffectedEntities),
				map[string]any{
					"cycle_id":     cycleID,
					"problem_type": a.ProblemType,
					"severity":     a.Severity,
					"tick":         snap.Tick,
				})
		}

		w.mu.Lock()
		cooledDown := time.Since(w.lastTrigger) >= w.cfg.EvolutionCooldown()
		if cooledDown {
			w.lastTrigger = time.Now()
		}
		w.mu.Unlock()

		if cooledDown {
			worst := mostSevere(anomalies)
			trigger := bus.EvolutionTrigger{
				TriggerID:        uuid.NewString(),
				ProblemType:      worst.ProblemType,
				Severity:         worst.Severity,
				AffectedEntities: worst.AffectedEntities,
				SuggestedArea:    worst.SuggestedArea,
				SnapshotKey:      ev.SnapshotKey,
				CycleID:          cycleID,
				WorldContext:     worldContext(snap),
			}
			if err := w.bus.PublishTrigger(trigger); err != nil {
				w.log.Warn("trigger publish failed", zap.Error(err))
			} else {
				w.log.Info("evolution trigger published",
					zap.String("problem_type", worst.ProblemType),
					zap.String("severity", worst.Severity),
					zap.String("cycle_id", cycleID))
			}
		}
	}

	w.mu.Lock()
	w.prev = snap
	w.mu.Unlock()
}

// HandleMutationApplied records a fitness baseline from the snapshot that
// preceded the activation. No prior snapshot means no baseline; the mutation
// simply goes unobserved.
func (w *Watcher) HandleMutationApplied(ev bus.MutationApplied) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prev == nil {
		return
	}
	w.baselines[ev.TraitName] = fitnessBaseline{
		mutationID:        ev.MutationID,
		traitName:         ev.TraitName,
		baselineCount:     w.prev.EntityCount,
		windowStartsAfter: w.prev.Tick,
	}
	w.log.Info("fitness baseline recorded",
		zap.String("trait", ev.TraitName),
		zap.Int("baseline_count", w.prev.EntityCount))
}

// evaluateFitness checks every baseline whose observation window (one
// snapshot interval) has elapsed and publishes a rollback on regression.
func (w *Watcher) evaluateFitness(snap *sim.WorldSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := uint64(w.cfg.SnapshotIntervalTicks)
	for name, b := range w.baselines {
		if snap.Tick < b.windowStartsAfter+window {
			continue
		}
		delete(w.baselines, name)
		if b.baselineCount == 0 {
			continue
		}
		delta := float64(snap.EntityCount-b.baselineCount) / float64(b.baselineCount)
		if delta >= -w.cfg.FitnessRollbackThreshold {
			continue
		}
		rollback := bus.MutationRollback{
			MutationID:   b.mutationID,
			TraitName:    b.traitName,
			Reason:       "population regression past rollback threshold",
			FitnessDelta: delta,
		}
		if err := w.bus.PublishMutationRollback(rollback); err != nil {
			w.log.Warn("rollback publish failed", zap.Error(err))
			continue
		}
		w.log.Info("fitness rollback published",
			zap.String("trait", b.traitName),
			zap.Float64("delta", delta))
	}
}

// RunPeriodic fires a periodic_improvement trigger on a fixed wall-clock
// interval, independent of anomalies, and resets the anomaly cooldown so an
// anomaly trigger does not immediately follow.
func (w *Watcher) RunPeriodic(ctx context.Context) error {
	interval := w.cfg.PeriodicEvolutionInterval()
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			w.lastTrigger = time.Now()
			snap := w.prev
			w.mu.Unlock()

			trigger := bus.EvolutionTrigger{
				TriggerID:   uuid.NewString(),
				ProblemType: "periodic_improvement",
				Severity:    "medium",
				CycleID:     uuid.NewString(),
			}
			if snap != nil {
				trigger.WorldContext = worldContext(snap)
			}
			if err := w.bus.PublishTrigger(trigger); err != nil {
				w.log.Warn("periodic trigger publish failed", zap.Error(err))
			}
		}
	}
}

// DetectAnomalies is a pure function of snapshot and config.
func DetectAnomalies(snap *sim.WorldSnapshot, cfg *genesiscfg.Config) []Anomaly {
	var out []Anomaly

	if snap.AvgEnergy < 0.2*typicalMaxEnergy {
		severity := "high"
		if snap.AvgEnergy < 0.1*typicalMaxEnergy {
			severity = "critical"
		}
		out = append(out, Anomaly{
			ProblemType:      "starvation",
			Severity:         severity,
			AffectedEntities: snap.EntityCount,
			SuggestedArea:    "energy_efficiency",
		})
	}

	if float64(snap.EntityCount) < float64(cfg.MinPopulation)*1.5 {
		severity := "high"
		if snap.EntityCount <= cfg.MinPopulation {
			severity = "critical"
		}
		out = append(out, Anomaly{
			ProblemType:      "extinction",
			Severity:         severity,
			AffectedEntities: snap.EntityCount,
			SuggestedArea:    "survival",
		})
	}

	if float64(snap.EntityCount) > float64(cfg.MaxEntities)*0.95 {
		severity := "high"
		if snap.EntityCount >= cfg.MaxEntities {
			severity = "critical"
		}
		out = append(out, Anomaly{
			ProblemType:      "overpopulation",
			Severity:         severity,
			AffectedEntities: snap.EntityCount,
			SuggestedArea:    "resource_competition",
		})
	}

	return out
}

func mostSevere(anomalies []Anomaly) Anomaly {
	worst := anomalies[0]
	for _, a := range anomalies[1:] {
		if severityRank[a.Severity] > severityRank[worst.Severity] {
			worst = a
		}
	}
	return worst
}

func worldContext(snap *sim.WorldSnapshot) bus.WorldContext {
	return bus.WorldContext{
		EntityCount:   snap.EntityCount,
		AvgEnergy:     snap.AvgEnergy,
		ResourceCount: snap.ResourceCount,
		DeathStats:    snap.DeathStats,
	}
}
