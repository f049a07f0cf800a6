// Package traitapi is the surface exposed to interpreted trait code.
//
// Generated traits import this package (inside the yaegi interpreter) and
// receive an *Entity per call. The Entity is a restricted view over the real
// simulation entity: fields are copies refreshed before each trait run, and
// the only way to affect the world is through the bound methods. Direct
// writes to the fields are discarded by the engine's post-trait restore.
package traitapi

import (
	"context"
	"sync/atomic"
)

// TraitFunc is the executable form of a trait: one call per entity per tick.
// Generated code exposes it through `func New() TraitFunc`.
type TraitFunc func(ctx context.Context, entity *Entity) error

// Factory produces one trait instance (a stateful closure) per entity.
type Factory func() TraitFunc

// Entity is the view of a simulation entity that trait code may touch.
// The function fields are bound by the executor before each call and are
// intentionally unexported so interpreted code can only reach the methods.
type Entity struct {
	ID             string
	X              float64
	Y              float64
	Energy         float64
	MaxEnergy      float64
	Age            int
	MaxAge         int
	MetabolismRate float64
	State          string
	EntityType     string

	moveFn            func(dx, dy float64)
	eatNearbyFn       func(radius float64) bool
	attackNearbyFn    func(radius, damage float64) bool
	deactivateTraitFn func(name string)
	activateTraitFn   func(name string)

	expired atomic.Bool
}

// Bind attaches the world callbacks. Called by the trait executor; trait
// code never sees unbound entities.
func (e *Entity) Bind(
	move func(dx, dy float64),
	eatNearby func(radius float64) bool,
	attackNearby func(radius, damage float64) bool,
	deactivateTrait func(name string),
	activateTrait func(name string),
) {
	e.moveFn = move
	e.eatNearbyFn = eatNearby
	e.attackNearbyFn = attackNearby
	e.deactivateTraitFn = deactivateTrait
	e.activateTraitFn = activateTrait
}

// Expire revokes the bound callbacks. The executor calls it when it abandons
// a trait call, so a goroutine that outlives its timeout can no longer reach
// the world through this view.
func (e *Entity) Expire() {
	e.expired.Store(true)
}

// Move displaces the entity by (dx, dy). The realized displacement is capped
// at MaxMovePerTick by the simulation.
func (e *Entity) Move(dx, dy float64) {
	if e.expired.Load() {
		return
	}
	if e.moveFn != nil {
		e.moveFn(dx, dy)
	}
}

// EatNearby consumes the nearest resource within radius. This is the only
// way a trait can raise the entity's energy.
func (e *Entity) EatNearby(radius float64) bool {
	if e.expired.Load() {
		return false
	}
	if e.eatNearbyFn != nil {
		return e.eatNearbyFn(radius)
	}
	return false
}

// AttackNearby strikes the nearest predator within radius for damage energy.
func (e *Entity) AttackNearby(radius, damage float64) bool {
	if e.expired.Load() {
		return false
	}
	if e.attackNearbyFn != nil {
		return e.attackNearbyFn(radius, damage)
	}
	return false
}

// IsAlive reports whether the entity state is "alive".
func (e *Entity) IsAlive() bool {
	return e.State == "alive"
}

// DeactivateTrait disables one of the entity's own traits by name.
func (e *Entity) DeactivateTrait(name string) {
	if e.expired.Load() {
		return
	}
	if e.deactivateTraitFn != nil {
		e.deactivateTraitFn(name)
	}
}

// ActivateTrait re-enables a previously deactivated trait.
func (e *Entity) ActivateTrait(name string) {
	if e.expired.Load() {
		return
	}
	if e.activateTraitFn != nil {
		e.activateTraitFn(name)
	}
}
