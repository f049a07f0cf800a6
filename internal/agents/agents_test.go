package agents

import (
	"sync"

	"genesis/internal/bus"
)

// goodTraitSource is a minimal source that passes the full validation gate.
const goodTraitSource = `package trait

import (
	"context"

	"genesis/traitapi"
)

type ForagerTrait struct {
	heading float64
}

func (t *ForagerTrait) Execute(ctx context.Context, entity *traitapi.Entity) error {
	if entity.Energy < entity.MaxEnergy {
		if !entity.EatNearby(60) {
			entity.Move(5, t.heading)
			t.heading += 1
		}
	}
	return nil
}

func New() func(context.Context, *traitapi.Entity) error {
	t := &ForagerTrait{}
	return t.Execute
}
`

type feedEntry struct {
	Agent    string
	Action   string
	Message  string
	Metadata map[string]any
}

// fakeBus records every publish for assertions.
type fakeBus struct {
	mu        sync.Mutex
	triggers  []bus.EvolutionTrigger
	plans     []bus.EvolutionPlan
	ready     []bus.MutationReady
	applied   []bus.MutationApplied
	failed    []bus.MutationFailed
	rollbacks []bus.MutationRollback
	feed      []feedEntry
}

func (f *fakeBus) PublishTrigger(ev bus.EvolutionTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, ev)
	return nil
}

func (f *fakeBus) PublishPlan(ev bus.EvolutionPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, ev)
	return nil
}

func (f *fakeBus) PublishMutationReady(ev bus.MutationReady) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, ev)
	return nil
}

func (f *fakeBus) PublishMutationApplied(ev bus.MutationApplied) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, ev)
	return nil
}

func (f *fakeBus) PublishMutationFailed(ev bus.MutationFailed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, ev)
	return nil
}

func (f *fakeBus) PublishMutationRollback(ev bus.MutationRollback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, ev)
	return nil
}

func (f *fakeBus) PublishFeed(agent, action, message string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = append(f.feed, feedEntry{Agent: agent, Action: action, Message: message, Metadata: metadata})
}

func (f *fakeBus) feedActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.feed))
	for i, e := range f.feed {
		out[i] = e.Action
	}
	return out
}
