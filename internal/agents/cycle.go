package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"genesis/internal/bus"
)

// Cycle stages.
const (
	StagePlanning = "planning"
	StageCoding   = "coding"
	StagePatching = "patching"
	StageDone     = "done"
	StageFailed   = "failed"
)

const (
	cycleBucket  = "evo-cycle"
	cycleLockKey = "lock"
	cycleInfoKey = "current"
)

// CycleRecord is the inspectable state of the active cycle.
type CycleRecord struct {
	TriggerID   string    `json:"trigger_id"`
	CycleID     string    `json:"cycle_id"`
	ProblemType string    `json:"problem_type"`
	Severity    string    `json:"severity"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CycleManager is the cross-process single-writer lock over evolution
// cycles, backed by a TTL-bounded JetStream KV bucket. Create on the lock
// key is the atomic test-and-set; a crashed holder expires with the bucket
// TTL. A nil manager (or one without a KV handle) degrades to
// always-acquired so local runs without JetStream still function.
type CycleManager struct {
	kv  jetstream.KeyValue
	log *zap.Logger
}

// NewCycleManager creates (or reuses) the cycle bucket. The bucket TTL is
// max(60s, cooldown x 3) so a wedged cycle cannot block evolution forever.
func NewCycleManager(ctx context.Context, js jetstream.JetStream, cooldown time.Duration, log *zap.Logger) (*CycleManager, error) {
	ttl := 60 * time.Second
	if 3*cooldown > ttl {
		ttl = 3 * cooldown
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cycleBucket,
		Description: "Evolution cycle lock and inspectable stage record",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create cycle bucket: %w", err)
	}
	return &CycleManager{kv: kv, log: log.Named("cycle")}, nil
}

func (m *CycleManager) enforcing() bool {
	return m != nil && m.kv != nil
}

// Start attempts to acquire the cycle lock for trigger. Returns false when
// another cycle holds it. On acquisition the inspectable record is written
// with stage=planning.
func (m *CycleManager) Start(ctx context.Context, trigger bus.EvolutionTrigger) (bool, error) {
	if !m.enforcing() {
		return true, nil
	}
	_, err := m.kv.Create(ctx, cycleLockKey, []byte(trigger.TriggerID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}

	now := time.Now().UTC()
	rec := CycleRecord{
		TriggerID:   trigger.TriggerID,
		CycleID:     trigger.CycleID,
		ProblemType: trigger.ProblemType,
		Severity:    trigger.Severity,
		Stage:       StagePlanning,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.writeRecord(ctx, rec); err != nil {
		m.log.Warn("cycle record write failed", zap.Error(err))
	}
	return true, nil
}

// UpdateStage advances the inspectable record.
func (m *CycleManager) UpdateStage(ctx context.Context, stage string) error {
	if !m.enforcing() {
		return nil
	}
	rec, err := m.Current(ctx)
	if err != nil || rec == nil {
		return err
	}
	rec.Stage = stage
	rec.UpdatedAt = time.Now().UTC()
	return m.writeRecord(ctx, *rec)
}

// Complete marks the cycle done and releases the lock.
func (m *CycleManager) Complete(ctx context.Context) error {
	return m.finish(ctx, StageDone, "")
}

// Fail marks the cycle failed with a reason and releases the lock.
func (m *CycleManager) Fail(ctx context.Context, reason string) error {
	return m.finish(ctx, StageFailed, reason)
}

func (m *CycleManager) finish(ctx context.Context, stage, reason string) error {
	if !m.enforcing() {
		return nil
	}
	if rec, err := m.Current(ctx); err == nil && rec != nil {
		rec.Stage = stage
		rec.Error = reason
		rec.UpdatedAt = time.Now().UTC()
		if err := m.writeRecord(ctx, *rec); err != nil {
			m.log.Warn("cycle record write failed", zap.Error(err))
		}
	}
	if err := m.kv.Delete(ctx, cycleLockKey); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release cycle lock: %w", err)
	}
	return nil
}

// Current loads the inspectable record, or nil when no cycle ran recently.
func (m *CycleManager) Current(ctx context.Context) (*CycleRecord, error) {
	if !m.enforcing() {
		return nil, nil
	}
	entry, err := m.kv.Get(ctx, cycleInfoKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load cycle record: %w", err)
	}
	var rec CycleRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode cycle record: %w", err)
	}
	return &rec, nil
}

func (m *CycleManager) writeRecord(ctx context.Context, rec CycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = m.kv.Put(ctx, cycleInfoKey, data)
	return err
}
