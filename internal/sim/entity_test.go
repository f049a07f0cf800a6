package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genesis/internal/traits"
)

func withTraits(e *Entity, names ...string) *Entity {
	for _, n := range names {
		e.Traits = append(e.Traits, &traits.Instance{Name: n})
	}
	e.RecomputeDNA()
	return e
}

func TestMoveClampsMagnitude(t *testing.T) {
	e := NewMolbot(100, 100, 50, 0, "")

	e.Move(3, 4)
	assert.InDelta(t, 103, e.X, 1e-9)
	assert.InDelta(t, 104, e.Y, 1e-9)

	// A huge request realizes exactly the cap, preserving direction.
	e = NewMolbot(0, 0, 50, 0, "")
	e.Move(300, 400)
	assert.InDelta(t, MaxMovePerTick, math.Hypot(e.X, e.Y), 1e-9)
	assert.InDelta(t, 12, e.X, 1e-9)
	assert.InDelta(t, 16, e.Y, 1e-9)
}

func TestGainEnergyCapped(t *testing.T) {
	e := NewMolbot(0, 0, 90, 0, "")
	e.GainEnergy(50)
	assert.Equal(t, e.MaxEnergy, e.Energy)
}

func TestDNAIndependentOfTraitOrder(t *testing.T) {
	a := withTraits(NewMolbot(0, 0, 50, 0, ""), "photosynthesis", "hunter")
	b := withTraits(NewMolbot(0, 0, 50, 0, ""), "hunter", "photosynthesis")

	require.Len(t, a.DNA, 16)
	assert.Equal(t, a.DNA, b.DNA)

	c := withTraits(NewMolbot(0, 0, 50, 0, ""), "hunter")
	assert.NotEqual(t, a.DNA, c.DNA)
}

func TestDNANullSeparatorPreventsConcatCollision(t *testing.T) {
	a := withTraits(NewMolbot(0, 0, 50, 0, ""), "ab", "c")
	b := withTraits(NewMolbot(0, 0, 50, 0, ""), "a", "bc")
	assert.NotEqual(t, a.DNA, b.DNA)
}

func TestColor(t *testing.T) {
	p := NewPredator(0, 0, 0)
	assert.Equal(t, uint32(0xcc0000), p.Color())

	m := NewMolbot(0, 0, 50, 0, "")
	assert.LessOrEqual(t, m.Color(), uint32(0xffffff))
}

func TestKillSetsCauseOnce(t *testing.T) {
	e := NewMolbot(0, 0, 50, 0, "")
	e.Kill(DeathStarvation)
	e.Kill(DeathVirus)
	assert.Equal(t, StateDead, e.State)
	assert.Equal(t, DeathStarvation, e.deathCause)
	assert.False(t, e.IsAlive())
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, 0, NewMolbot(0, 0, 50, 74, "").Generation)
	assert.Equal(t, 1, NewMolbot(0, 0, 50, 75, "").Generation)
	assert.Equal(t, 2, NewMolbot(0, 0, 50, 150, "").Generation)
}
