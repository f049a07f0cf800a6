package sim

import (
	"math/rand"

	"github.com/google/uuid"
)

// Resource is a consumable energy point.
type Resource struct {
	ID     string
	X      float64
	Y      float64
	Energy float64
	Type   string
}

// Environment holds resources with the same spatial hash structure as the
// entity store, plus the fractional-rate respawner.
type Environment struct {
	resources map[string]*Resource
	index     *grid

	width, height float64
	energy        float64
	spawnRate     float64

	rng *rand.Rand
}

// NewEnvironment builds an environment and seeds it with initial resources.
func NewEnvironment(width, height, resourceEnergy, spawnRate float64, initial int, rng *rand.Rand) *Environment {
	env := &Environment{
		resources: map[string]*Resource{},
		index:     newGrid(),
		width:     width,
		height:    height,
		energy:    resourceEnergy,
		spawnRate: spawnRate,
		rng:       rng,
	}
	for i := 0; i < initial; i++ {
		env.SpawnRandom()
	}
	return env
}

// SpawnRandom places one resource at a uniform random position.
func (env *Environment) SpawnRandom() *Resource {
	r := &Resource{
		ID:     uuid.NewString(),
		X:      env.rng.Float64() * env.width,
		Y:      env.rng.Float64() * env.height,
		Energy: env.energy,
		Type:   "food",
	}
	env.resources[r.ID] = r
	env.index.insert(r.ID, r.X, r.Y)
	return r
}

// Consume removes a resource and returns its energy. Idempotent per ID.
func (env *Environment) Consume(id string) (float64, bool) {
	r, ok := env.resources[id]
	if !ok {
		return 0, false
	}
	delete(env.resources, id)
	return r.Energy, true
}

// Nearest returns the closest resource within r of (x, y), or nil.
func (env *Environment) Nearest(x, y, r float64) *Resource {
	r2 := r * r
	var best *Resource
	bestD := r2
	for _, id := range env.index.candidates(x, y, r) {
		res, ok := env.resources[id]
		if !ok {
			continue
		}
		dx, dy := res.X-x, res.Y-y
		d := dx*dx + dy*dy
		if d <= bestD {
			bestD = d
			best = res
		}
	}
	return best
}

// Len returns the resource count.
func (env *Environment) Len() int {
	return len(env.resources)
}

// All returns every resource. The pointers are live.
func (env *Environment) All() []*Resource {
	out := make([]*Resource, 0, len(env.resources))
	for _, r := range env.resources {
		out = append(out, r)
	}
	return out
}

// Respawn grows the environment by the configured rate. Sub-unit rates spawn
// probabilistically so a rate of 0.5 averages one resource every two ticks.
func (env *Environment) Respawn() int {
	n := int(env.spawnRate)
	if frac := env.spawnRate - float64(n); frac > 0 && env.rng.Float64() < frac {
		n++
	}
	for i := 0; i < n; i++ {
		env.SpawnRandom()
	}
	return n
}

// RebuildIndex rehashes all resources.
func (env *Environment) RebuildIndex() {
	env.index.clear()
	for _, r := range env.resources {
		env.index.insert(r.ID, r.X, r.Y)
	}
}
