package sim

import "sort"

// EntityStore holds entities keyed by ID with a spatial hash for radius
// queries. Owned by the tick engine; never mutated from other subsystems.
type EntityStore struct {
	entities map[string]*Entity
	index    *grid
}

// NewEntityStore returns an empty store.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities: map[string]*Entity{},
		index:    newGrid(),
	}
}

// Insert adds an entity and indexes it.
func (s *EntityStore) Insert(e *Entity) {
	s.entities[e.ID] = e
	s.index.insert(e.ID, e.X, e.Y)
}

// Remove deletes an entity by ID. The index entry disappears on the next
// rebuild.
func (s *EntityStore) Remove(id string) {
	delete(s.entities, id)
}

// Get looks up an entity by ID.
func (s *EntityStore) Get(id string) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Len returns the total entity count, dead included until reaped.
func (s *EntityStore) Len() int {
	return len(s.entities)
}

// All returns every entity. The slice is fresh; the pointers are live.
func (s *EntityStore) All() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out
}

// Alive returns the living entities.
func (s *EntityStore) Alive() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if e.IsAlive() {
			out = append(out, e)
		}
	}
	return out
}

// CountType counts living entities of one class.
func (s *EntityStore) CountType(entityType string) int {
	n := 0
	for _, e := range s.entities {
		if e.IsAlive() && e.EntityType == entityType {
			n++
		}
	}
	return n
}

// Nearby returns living entities whose center lies within r of (x, y),
// excluding excludeID.
func (s *EntityStore) Nearby(x, y, r float64, excludeID string) []*Entity {
	r2 := r * r
	var out []*Entity
	for _, id := range s.index.candidates(x, y, r) {
		e, ok := s.entities[id]
		if !ok || !e.IsAlive() || e.ID == excludeID {
			continue
		}
		dx, dy := e.X-x, e.Y-y
		if dx*dx+dy*dy <= r2 {
			out = append(out, e)
		}
	}
	return out
}

// RebuildIndex rehashes all live entities. Called every tick after movement.
func (s *EntityStore) RebuildIndex() {
	s.index.clear()
	for _, e := range s.entities {
		if e.IsAlive() {
			s.index.insert(e.ID, e.X, e.Y)
		}
	}
}

// DetectOverlaps returns unique overlapping pairs of living entities. A
// sorted-ID key set deduplicates pairs seen from both sides of the grid.
func (s *EntityStore) DetectOverlaps() [][2]*Entity {
	seen := map[[2]string]struct{}{}
	var pairs [][2]*Entity
	for _, a := range s.entities {
		if !a.IsAlive() {
			continue
		}
		reach := a.Radius + maxEntityRadius(s)
		for _, b := range s.Nearby(a.X, a.Y, reach, a.ID) {
			dx, dy := b.X-a.X, b.Y-a.Y
			minDist := a.Radius + b.Radius
			if dx*dx+dy*dy >= minDist*minDist {
				continue
			}
			key := [2]string{a.ID, b.ID}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, [2]*Entity{a, b})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0].ID != pairs[j][0].ID {
			return pairs[i][0].ID < pairs[j][0].ID
		}
		return pairs[i][1].ID < pairs[j][1].ID
	})
	return pairs
}

func maxEntityRadius(s *EntityStore) float64 {
	// Predators are the largest profile in play.
	return predatorRadius
}
