package traits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"genesis/traitapi"
)

// ErrTraitTimeout marks a trait call that overran its per-call timeout.
var ErrTraitTimeout = errors.New("trait execution timed out")

// FirstErrorFunc is invoked once per canonical trait name, process-wide, the
// first time that family fails anywhere. Used to escalate to the feed channel.
type FirstErrorFunc func(entityID, traitName string, err error)

// Executor runs an entity's trait list under a per-call timeout and a
// per-entity aggregate budget. Offending traits are deactivated on that
// entity; no error ever propagates to the tick loop.
type Executor struct {
	timeout time.Duration
	budget  time.Duration

	onFirstError FirstErrorFunc

	mu       sync.Mutex
	reported map[string]struct{}
}

// NewExecutor builds an executor. onFirstError may be nil.
func NewExecutor(timeout, budget time.Duration, onFirstError FirstErrorFunc) *Executor {
	return &Executor{
		timeout:      timeout,
		budget:       budget,
		onFirstError: onFirstError,
		reported:     map[string]struct{}{},
	}
}

// ExecuteAll runs instances in order against the bound entity view.
// deactivated is both consulted and written: traits that time out or return
// an error are added to it.
func (x *Executor) ExecuteAll(ctx context.Context, entityID string, view *traitapi.Entity, instances []*Instance, deactivated map[string]struct{}) {
	start := time.Now()
	for _, inst := range instances {
		if _, off := deactivated[inst.Name]; off {
			continue
		}
		if time.Since(start) > x.budget {
			return
		}
		if err := x.runOne(ctx, view, inst); err != nil {
			deactivated[inst.Name] = struct{}{}
			x.reportFirst(entityID, inst.Name, err)
			if errors.Is(err, ErrTraitTimeout) || ctx.Err() != nil {
				// The abandoned goroutine still holds this view; it was
				// expired, and the view must not be rebound this tick.
				return
			}
		}
	}
}

// runOne races the trait call against the per-call timeout. A trait that
// overruns keeps its goroutine until it returns; the view is expired first
// so the stray goroutine can no longer reach the world through it.
func (x *Executor) runOne(ctx context.Context, view *traitapi.Entity, inst *Instance) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("trait %s panicked: %v", inst.Name, r)
			}
		}()
		done <- inst.Fn(ctx, view)
	}()

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()

	select {
	case err = <-done:
		return err
	case <-timer.C:
		view.Expire()
		return fmt.Errorf("trait %s: %w", inst.Name, ErrTraitTimeout)
	case <-ctx.Done():
		view.Expire()
		return ctx.Err()
	}
}

func (x *Executor) reportFirst(entityID, traitName string, err error) {
	if x.onFirstError == nil {
		return
	}
	x.mu.Lock()
	_, seen := x.reported[traitName]
	if !seen {
		x.reported[traitName] = struct{}{}
	}
	x.mu.Unlock()
	if !seen {
		x.onFirstError(entityID, traitName, err)
	}
}
