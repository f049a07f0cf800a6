package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"genesis/internal/bus"
	"genesis/internal/genesiscfg"
	"genesis/internal/sandbox"
	"genesis/internal/store"
	"genesis/internal/traits"
)

// Gatekeeper admission limits.
const (
	maxProposalsPerIPPerMin     = 10
	maxProposalsPerAgentPerHour = 60
	maxActivePerAgent           = 5
	rateCacheSize               = 1024
)

// externalCyclePrefix marks mutations admitted by the gatekeeper. They ride
// outside the evolution cycle lock, so the patcher must never release the
// lock on their behalf.
const externalCyclePrefix = "external:"

func isExternalCycle(cycleID string) bool {
	return strings.HasPrefix(cycleID, externalCyclePrefix)
}

var traitNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Admission errors, distinguished so the API layer can map them to status
// codes.
var (
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrTooManyActive = errors.New("too many in-flight proposals for this agent")
	ErrBadTraitName  = errors.New("trait name must match ^[a-z][a-z0-9_]*$")
	ErrRejected      = errors.New("proposal failed validation")
)

// Proposal is an externally submitted trait.
type Proposal struct {
	AgentID   string `json:"agent_id" binding:"required"`
	TaskID    string `json:"task_id"`
	TraitName string `json:"trait_name" binding:"required"`
	Goal      string `json:"goal"`
	Source    string `json:"source" binding:"required"`
}

// SubmitResult reports an admitted proposal.
type SubmitResult struct {
	MutationID string                    `json:"mutation_id"`
	FilePath   string                    `json:"file_path"`
	Validation *sandbox.ValidationResult `json:"validation"`
}

// rateWindow is a sliding-window event log for one key.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// allow records an event if fewer than limit happened within span.
func (w *rateWindow) allow(limit int, span time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept
	if len(w.times) >= limit {
		return false
	}
	w.times = append(w.times, time.Now())
	return true
}

// Gatekeeper admits external trait proposals into the same patcher path the
// internal pipeline uses. It never touches the cycle lock: external proposals
// ride alongside evolution cycles, bounded by per-IP and per-agent limits.
type Gatekeeper struct {
	cfg       *genesiscfg.Config
	log       *zap.Logger
	bus       EventBus
	validator *sandbox.Validator
	store     *store.Store

	ipWindows    *lru.Cache[string, *rateWindow]
	agentWindows *lru.Cache[string, *rateWindow]

	mu      sync.Mutex
	active  map[string]int    // agent -> in-flight proposal count
	owners  map[string]string // mutation ID -> agent
}

// NewGatekeeper builds a gatekeeper. st may be nil.
func NewGatekeeper(cfg *genesiscfg.Config, log *zap.Logger, eventBus EventBus,
	validator *sandbox.Validator, st *store.Store) *Gatekeeper {
	ipWindows, _ := lru.New[string, *rateWindow](rateCacheSize)
	agentWindows, _ := lru.New[string, *rateWindow](rateCacheSize)
	return &Gatekeeper{
		cfg:          cfg,
		log:          log.Named("gatekeeper"),
		bus:          eventBus,
		validator:    validator,
		store:        st,
		ipWindows:    ipWindows,
		agentWindows: agentWindows,
		active:       map[string]int{},
		owners:       map[string]string{},
	}
}

// Submit admits or rejects one proposal from remoteIP.
func (g *Gatekeeper) Submit(ctx context.Context, remoteIP string, p Proposal) (*SubmitResult, error) {
	if !g.window(g.ipWindows, remoteIP).allow(maxProposalsPerIPPerMin, time.Minute) {
		return nil, fmt.Errorf("%w: ip %s", ErrRateLimited, remoteIP)
	}
	if !g.window(g.agentWindows, p.AgentID).allow(maxProposalsPerAgentPerHour, time.Hour) {
		return nil, fmt.Errorf("%w: agent %s", ErrRateLimited, p.AgentID)
	}

	canonical := traits.Canonical(p.TraitName)
	if !traitNameRe.MatchString(canonical) {
		return nil, ErrBadTraitName
	}

	g.mu.Lock()
	if g.active[p.AgentID] >= maxActivePerAgent {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s", ErrTooManyActive, p.AgentID)
	}
	g.mu.Unlock()

	// The in-memory count resets on restart; the store remembers proposals
	// that were admitted before the process died and are still in flight.
	if g.store != nil {
		n, err := g.store.CountActiveMutations(ctx, externalCyclePrefix+p.AgentID)
		if err != nil {
			g.log.Warn("active mutation count failed", zap.Error(err))
		} else if n >= maxActivePerAgent {
			return nil, fmt.Errorf("%w: agent %s", ErrTooManyActive, p.AgentID)
		}
	}

	result := g.validator.Validate(ctx, p.Source)
	if !result.Valid {
		g.bus.PublishFeed(agentGatekeeper, "rejected",
			fmt.Sprintf("proposal %s from %s rejected: %s", canonical, p.AgentID, result.Reason),
			map[string]any{"agent_id": p.AgentID, "reason": string(result.Reason)})
		return &SubmitResult{Validation: result}, fmt.Errorf("%w: %s: %s", ErrRejected, result.Reason, result.Message)
	}

	mutationID := uuid.NewString()
	fileName := fmt.Sprintf("trait_%s_%s.go", canonical, mutationID[:8])
	filePath := filepath.Join(g.cfg.MutationsDir, fileName)
	if err := os.MkdirAll(g.cfg.MutationsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mutations dir: %w", err)
	}
	if err := os.WriteFile(filePath, []byte(p.Source), 0o644); err != nil {
		return nil, fmt.Errorf("write trait file: %w", err)
	}

	if g.store != nil {
		rec := &store.MutationRecord{
			MutationID: mutationID,
			PlanID:     p.TaskID,
			CycleID:    externalCyclePrefix + p.AgentID,
			TraitName:  canonical,
			CodeHash:   result.SourceHash,
			FilePath:   filePath,
			Status:     store.StatusQueued,
		}
		if err := g.store.SaveMutation(ctx, rec); err != nil {
			g.log.Warn("proposal record save failed", zap.Error(err))
		}
		if err := g.store.SaveMutationSource(ctx, mutationID, p.Source); err != nil {
			g.log.Warn("proposal source save failed", zap.Error(err))
		}
	}

	g.mu.Lock()
	g.active[p.AgentID]++
	g.owners[mutationID] = p.AgentID
	g.mu.Unlock()

	ready := bus.MutationReady{
		MutationID: mutationID,
		PlanID:     p.TaskID,
		CycleID:    externalCyclePrefix + p.AgentID,
		FilePath:   filePath,
		TraitName:  canonical,
		CodeHash:   result.SourceHash,
	}
	if err := g.bus.PublishMutationReady(ready); err != nil {
		g.settle(mutationID)
		return nil, fmt.Errorf("mutation ready publish failed: %w", err)
	}

	g.bus.PublishFeed(agentGatekeeper, "admitted",
		fmt.Sprintf("external proposal %s from %s admitted", canonical, p.AgentID),
		map[string]any{"agent_id": p.AgentID, "mutation_id": mutationID})
	g.log.Info("external proposal admitted",
		zap.String("agent_id", p.AgentID),
		zap.String("trait", canonical),
		zap.String("mutation_id", mutationID))
	return &SubmitResult{MutationID: mutationID, FilePath: filePath, Validation: result}, nil
}

// HandleApplied settles the in-flight slot on success.
func (g *Gatekeeper) HandleApplied(ev bus.MutationApplied) {
	g.settle(ev.MutationID)
}

// HandleFailed settles the in-flight slot on failure.
func (g *Gatekeeper) HandleFailed(ev bus.MutationFailed) {
	g.settle(ev.MutationID)
}

func (g *Gatekeeper) settle(mutationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	agent, ok := g.owners[mutationID]
	if !ok {
		return
	}
	delete(g.owners, mutationID)
	if g.active[agent] > 0 {
		g.active[agent]--
	}
	if g.active[agent] == 0 {
		delete(g.active, agent)
	}
}

func (g *Gatekeeper) window(cache *lru.Cache[string, *rateWindow], key string) *rateWindow {
	if w, ok := cache.Get(key); ok {
		return w
	}
	w := &rateWindow{}
	if prev, found, _ := cache.PeekOrAdd(key, w); found {
		return prev
	}
	return w
}
