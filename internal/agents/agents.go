// Package agents is the evolution control plane: the watcher that turns
// telemetry into triggers, the architect and coder that turn triggers into
// validated source, the patcher that hot-loads it, and the gatekeeper that
// admits external proposals. The stages are serialized by the cycle manager.
package agents

import "genesis/internal/bus"

// EventBus is the publish surface agents need. *bus.Bus satisfies it; tests
// substitute a recording fake.
type EventBus interface {
	PublishTrigger(ev bus.EvolutionTrigger) error
	PublishPlan(ev bus.EvolutionPlan) error
	PublishMutationReady(ev bus.MutationReady) error
	PublishMutationApplied(ev bus.MutationApplied) error
	PublishMutationFailed(ev bus.MutationFailed) error
	PublishMutationRollback(ev bus.MutationRollback) error
	PublishFeed(agent, action, message string, metadata map[string]any)
}

// Agent labels used on the feed.
const (
	agentWatcher    = "watcher"
	agentArchitect  = "architect"
	agentCoder      = "coder"
	agentPatcher    = "patcher"
	agentGatekeeper = "gatekeeper"
)
