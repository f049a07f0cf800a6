package sim

import "time"

// WorldSnapshot is the immutable aggregate record produced by the telemetry
// stage and consumed by the watcher and the stats API.
type WorldSnapshot struct {
	Tick          uint64            `json:"tick"`
	EntityCount   int               `json:"entity_count"`
	AvgEnergy     float64           `json:"avg_energy"`
	ResourceCount int               `json:"resource_count"`
	DeathStats    map[string]int    `json:"death_stats"`
	Timestamp     time.Time         `json:"timestamp"`
}

// EntityCheckpoint is the durable per-entity record inside a checkpoint.
type EntityCheckpoint struct {
	ID         string   `json:"id"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Energy     float64  `json:"energy"`
	MaxEnergy  float64  `json:"max_energy"`
	Age        int      `json:"age"`
	TraitNames []string `json:"trait_names"`
	State      string   `json:"state"`
	ParentID   string   `json:"parent_id,omitempty"`
	EntityType string   `json:"entity_type"`
}

// Checkpoint is a durable world state: tick counter, world parameters, the
// live population, and the active trait sources needed to rebuild the
// registry on restore.
type Checkpoint struct {
	Tick         uint64             `json:"tick"`
	WorldWidth   float64            `json:"world_width"`
	WorldHeight  float64            `json:"world_height"`
	Entities     []EntityCheckpoint `json:"entities"`
	TraitSources map[string]string  `json:"trait_sources"`
	DeathStats   map[string]int     `json:"death_stats"`
	SavedAt      time.Time          `json:"saved_at"`
}
