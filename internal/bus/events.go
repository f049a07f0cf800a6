// Package bus is the typed event layer over NATS: subject constants, JSON
// payload types, and publish/subscribe helpers. Channels are the only
// cross-subsystem mutation path.
package bus

import "time"

// Subjects. One per pipeline channel.
const (
	SubjectTelemetry        = "genesis.telemetry"
	SubjectEvolutionTrigger = "genesis.evolution.trigger"
	SubjectEvolutionPlan    = "genesis.evolution.plan"
	SubjectMutationReady    = "genesis.mutation.ready"
	SubjectMutationApplied  = "genesis.mutation.applied"
	SubjectMutationFailed   = "genesis.mutation.failed"
	SubjectMutationRollback = "genesis.mutation.rollback"
	SubjectFeed             = "genesis.feed"
)

// Telemetry announces a cached world snapshot.
type Telemetry struct {
	Tick        uint64    `json:"tick"`
	SnapshotKey string    `json:"snapshot_key"`
	Timestamp   time.Time `json:"timestamp"`
}

// WorldContext is the compact world summary embedded in a trigger.
type WorldContext struct {
	EntityCount   int            `json:"entity_count"`
	AvgEnergy     float64        `json:"avg_energy"`
	ResourceCount int            `json:"resource_count"`
	DeathStats    map[string]int `json:"death_stats"`
}

// EvolutionTrigger asks the architect to start a cycle.
type EvolutionTrigger struct {
	TriggerID        string       `json:"trigger_id"`
	ProblemType      string       `json:"problem_type"`
	Severity         string       `json:"severity"`
	AffectedEntities int          `json:"affected_entities"`
	SuggestedArea    string       `json:"suggested_area"`
	SnapshotKey      string       `json:"snapshot_key"`
	CycleID          string       `json:"cycle_id"`
	WorldContext     WorldContext `json:"world_context"`
}

// EvolutionPlan is the architect's output: what trait the coder should write.
type EvolutionPlan struct {
	PlanID      string `json:"plan_id"`
	TriggerID   string `json:"trigger_id"`
	CycleID     string `json:"cycle_id"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
	TargetClass string `json:"target_class"`
}

// MutationReady announces validated source written to the mutations dir.
type MutationReady struct {
	MutationID string `json:"mutation_id"`
	PlanID     string `json:"plan_id"`
	CycleID    string `json:"cycle_id"`
	FilePath   string `json:"file_path"`
	TraitName  string `json:"trait_name"`
	Version    int    `json:"version"`
	CodeHash   string `json:"code_hash"`
}

// MutationApplied announces a successful hot-load.
type MutationApplied struct {
	MutationID      string `json:"mutation_id"`
	TraitName       string `json:"trait_name"`
	Version         int    `json:"version"`
	RegistryVersion uint64 `json:"registry_version"`
}

// MutationFailed announces a rejected or unloadable mutation.
type MutationFailed struct {
	MutationID string `json:"mutation_id"`
	Error      string `json:"error"`
	Stage      string `json:"stage"` // validation | import | execution
}

// MutationRollback asks the patcher to remove a regressing trait family.
type MutationRollback struct {
	MutationID   string  `json:"mutation_id"`
	TraitName    string  `json:"trait_name"`
	Reason       string  `json:"reason"`
	FitnessDelta float64 `json:"fitness_delta"`
}

// FeedMessage is the human-readable activity stream. Every state change of
// interest lands here with a cycle_id in the metadata.
type FeedMessage struct {
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
