package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mutation lifecycle statuses. Transitions are monotonic; UpdateMutationStatus
// rejects anything outside the automaton.
const (
	StatusQueued     = "queued"
	StatusValidating = "validating"
	StatusSandboxOK  = "sandbox_ok"
	StatusActivated  = "activated"
	StatusRejected   = "rejected"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

var allowedTransitions = map[string][]string{
	StatusQueued:     {StatusValidating},
	StatusValidating: {StatusSandboxOK, StatusRejected, StatusFailed},
	StatusSandboxOK:  {StatusActivated, StatusFailed},
	StatusActivated:  {StatusRolledBack},
}

// ErrBadTransition marks a status update outside the lifecycle automaton.
var ErrBadTransition = errors.New("mutation status transition not allowed")

// MutationRecord is the persistent metadata for one proposed trait revision.
type MutationRecord struct {
	MutationID    string
	PlanID        string
	CycleID       string
	TraitName     string
	Version       int
	CodeHash      string
	FilePath      string
	Status        string
	ReasonCode    string
	ValidationLog string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SaveMutation inserts a new record.
func (s *Store) SaveMutation(ctx context.Context, rec *MutationRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations
			(mutation_id, plan_id, cycle_id, trait_name, version, code_hash, file_path,
			 status, reason_code, validation_log, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MutationID, rec.PlanID, rec.CycleID, rec.TraitName, rec.Version,
		rec.CodeHash, rec.FilePath, rec.Status, rec.ReasonCode, rec.ValidationLog,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert mutation %s: %w", rec.MutationID, err)
	}
	return nil
}

// UpdateMutationStatus advances one record through the lifecycle automaton.
func (s *Store) UpdateMutationStatus(ctx context.Context, mutationID, status, reasonCode string) error {
	rec, err := s.GetMutation(ctx, mutationID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("mutation %s not found", mutationID)
	}
	if !transitionAllowed(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s (mutation %s)", ErrBadTransition, rec.Status, status, mutationID)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mutations SET status = ?, reason_code = ?, updated_at = ? WHERE mutation_id = ?`,
		status, reasonCode, time.Now().UTC().Format(time.RFC3339Nano), mutationID)
	if err != nil {
		return fmt.Errorf("update mutation %s: %w", mutationID, err)
	}
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GetMutation loads one record, or (nil, nil) when absent.
func (s *Store) GetMutation(ctx context.Context, mutationID string) (*MutationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mutation_id, plan_id, cycle_id, trait_name, version, code_hash, file_path,
		        status, reason_code, validation_log, created_at, updated_at
		 FROM mutations WHERE mutation_id = ?`, mutationID)

	var (
		rec                MutationRecord
		reason, vlog, path sql.NullString
		created, updated   string
	)
	err := row.Scan(&rec.MutationID, &rec.PlanID, &rec.CycleID, &rec.TraitName,
		&rec.Version, &rec.CodeHash, &path, &rec.Status, &reason, &vlog, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mutation %s: %w", mutationID, err)
	}
	rec.FilePath = path.String
	rec.ReasonCode = reason.String
	rec.ValidationLog = vlog.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

// CountActiveMutations counts in-flight records for one cycle owner label.
// Used by the gatekeeper's per-agent in-flight cap.
func (s *Store) CountActiveMutations(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations
		 WHERE cycle_id = ? AND status IN (?, ?, ?)`,
		cycleID, StatusQueued, StatusValidating, StatusSandboxOK).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active mutations: %w", err)
	}
	return n, nil
}

// MaxMutationVersion returns the highest version ever recorded, 0 when the
// table is empty. The coder seeds its counter from it so a restarted process
// never reuses a version number.
func (s *Store) MaxMutationVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM mutations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max mutation version: %w", err)
	}
	return v, nil
}

// SaveMutationSource stores the source text alongside the record.
func (s *Store) SaveMutationSource(ctx context.Context, mutationID, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mutation_sources (mutation_id, source) VALUES (?, ?)`,
		mutationID, source)
	if err != nil {
		return fmt.Errorf("save mutation source %s: %w", mutationID, err)
	}
	return nil
}

// GetMutationSource loads source text by mutation ID.
func (s *Store) GetMutationSource(ctx context.Context, mutationID string) (string, error) {
	var src string
	err := s.db.QueryRowContext(ctx,
		`SELECT source FROM mutation_sources WHERE mutation_id = ?`, mutationID).Scan(&src)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load mutation source %s: %w", mutationID, err)
	}
	return src, nil
}

// PurgeExpiredMutations drops records older than the retention TTL.
func (s *Store) PurgeExpiredMutations(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-mutationTTL).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge mutations: %w", err)
	}
	return res.RowsAffected()
}

// --- used-hash set ---

// MarkHashUsed records a source hash as admitted.
func (s *Store) MarkHashUsed(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO used_hashes (hash, created_at) VALUES (?, ?)`,
		hash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark hash used: %w", err)
	}
	return nil
}

// IsHashUsed implements the validator's deduplication check.
func (s *Store) IsHashUsed(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM used_hashes WHERE hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check hash: %w", err)
	}
	return n > 0, nil
}

// --- feed archive ---

// SaveFeedMessage archives one feed message.
func (s *Store) SaveFeedMessage(ctx context.Context, agent, action, message, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_messages (agent, action, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		agent, action, message, metadata, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save feed message: %w", err)
	}
	return nil
}
