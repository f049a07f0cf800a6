// Package sim is the simulation core: entities, resources, spatial indexing,
// physics, and the fixed-cadence tick engine that drives them.
package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"genesis/internal/traits"
)

// Entity lifecycle states.
const (
	StateAlive       = "alive"
	StateDead        = "dead"
	StateReproducing = "reproducing"
)

// Entity classes.
const (
	TypeMolbot   = "molbot"
	TypePredator = "predator"
)

// Death causes, attributed by the lifecycle reaper.
const (
	DeathStarvation = "starvation"
	DeathOldAge     = "old_age"
	DeathPredator   = "predator"
	DeathVirus      = "virus"
)

// MaxMovePerTick caps the displacement magnitude a single move request can
// realize, regardless of what trait code asks for.
const MaxMovePerTick = 20.0

// Molbot baseline physical profile.
const (
	molbotRadius     = 10.0
	molbotMaxEnergy  = 100.0
	molbotMetabolism = 0.5
	molbotMaxAge     = 6000
)

// Predator profile. Predators are rare, long-lived hunters.
const (
	predatorRadius     = 15.0
	predatorMaxEnergy  = 200.0
	predatorMetabolism = 2.5
	predatorMaxAge     = 8000
	predatorKillEnergy = 80.0
	predatorHuntRadius = 200.0
	predatorColor      = 0xcc0000
)

// generationTicks converts a birth tick into a generation number.
const generationTicks = 75

// Entity is one agent in the world. All mutation happens from tick engine
// stages; other subsystems only ever see copies or the frame encoding.
type Entity struct {
	ID         string
	Generation int
	ParentID   string
	BirthTick  uint64
	DNA        string

	X              float64
	Y              float64
	Radius         float64
	Energy         float64
	MaxEnergy      float64
	MetabolismRate float64
	Age            int
	MaxAge         int // 0 = immortal

	State      string
	EntityType string

	Infected      bool
	RecoveryTicks int

	Traits      []*traits.Instance
	Deactivated map[string]struct{}

	// deathCause is set by whatever kills the entity and read by the reaper.
	deathCause string
}

// NewMolbot spawns a molbot at (x, y) with the given starting energy.
func NewMolbot(x, y, energy float64, tick uint64, parentID string) *Entity {
	e := &Entity{
		ID:             uuid.NewString(),
		Generation:     int(tick / generationTicks),
		ParentID:       parentID,
		BirthTick:      tick,
		X:              x,
		Y:              y,
		Radius:         molbotRadius,
		Energy:         energy,
		MaxEnergy:      molbotMaxEnergy,
		MetabolismRate: molbotMetabolism,
		MaxAge:         molbotMaxAge,
		State:          StateAlive,
		EntityType:     TypeMolbot,
		Deactivated:    map[string]struct{}{},
	}
	e.RecomputeDNA()
	return e
}

// NewPredator spawns a predator at (x, y).
func NewPredator(x, y float64, tick uint64) *Entity {
	e := &Entity{
		ID:             uuid.NewString(),
		Generation:     int(tick / generationTicks),
		BirthTick:      tick,
		X:              x,
		Y:              y,
		Radius:         predatorRadius,
		Energy:         predatorMaxEnergy,
		MaxEnergy:      predatorMaxEnergy,
		MetabolismRate: predatorMetabolism,
		MaxAge:         predatorMaxAge,
		State:          StateAlive,
		EntityType:     TypePredator,
		Deactivated:    map[string]struct{}{},
	}
	e.RecomputeDNA()
	return e
}

// IsAlive reports whether the entity participates in the world.
func (e *Entity) IsAlive() bool {
	return e.State == StateAlive
}

// Kill marks the entity dead with a cause for the reaper's counters.
func (e *Entity) Kill(cause string) {
	if e.State == StateDead {
		return
	}
	e.State = StateDead
	e.deathCause = cause
}

// Move displaces the entity by the requested vector, clamped so the realized
// displacement magnitude never exceeds MaxMovePerTick.
func (e *Entity) Move(dx, dy float64) {
	mag := math.Hypot(dx, dy)
	if mag > MaxMovePerTick {
		scale := MaxMovePerTick / mag
		dx *= scale
		dy *= scale
	}
	e.X += dx
	e.Y += dy
}

// GainEnergy adds energy, capped at MaxEnergy.
func (e *Entity) GainEnergy(amount float64) {
	e.Energy = math.Min(e.Energy+amount, e.MaxEnergy)
}

// HasTrait reports whether a trait instance of the canonical family exists.
func (e *Entity) HasTrait(canonical string) bool {
	for _, inst := range e.Traits {
		if inst.Name == canonical {
			return true
		}
	}
	return false
}

// TraitNames returns the canonical names of attached traits, in order.
func (e *Entity) TraitNames() []string {
	names := make([]string, len(e.Traits))
	for i, inst := range e.Traits {
		names[i] = inst.Name
	}
	return names
}

// RecomputeDNA refreshes the DNA fingerprint from the sorted set of attached
// trait families: first 16 hex chars of the SHA-256. The first 6 form the
// molbot display color.
func (e *Entity) RecomputeDNA() {
	names := e.TraitNames()
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	e.DNA = hex.EncodeToString(h.Sum(nil))[:16]
}

// Color returns the 24-bit display color: DNA-derived for molbots, fixed red
// for predators.
func (e *Entity) Color() uint32 {
	if e.EntityType == TypePredator {
		return predatorColor
	}
	v, err := strconv.ParseUint(e.DNA[:6], 16, 32)
	if err != nil {
		return 0x888888
	}
	return uint32(v)
}
