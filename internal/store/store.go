// Package store is the durable sqlite layer: checkpoints, mutation records
// with their sources and lifecycle status, the used-hash set, and the feed
// archive.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"genesis/internal/sim"
)

// mutationTTL bounds how long rejected and completed mutation records are
// kept.
const mutationTTL = 7 * 24 * time.Hour

// Store wraps one sqlite database. sqlite serializes writers, so a single
// connection is enough and avoids SQLITE_BUSY churn.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			tick       INTEGER NOT NULL,
			world      TEXT NOT NULL,
			saved_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_entities (
			checkpoint_id INTEGER NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
			entity_id     TEXT NOT NULL,
			x             REAL NOT NULL,
			y             REAL NOT NULL,
			energy        REAL NOT NULL,
			max_energy    REAL NOT NULL,
			age           INTEGER NOT NULL,
			trait_names   TEXT NOT NULL,
			state         TEXT NOT NULL,
			parent_id     TEXT,
			entity_type   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_entities
			ON checkpoint_entities(checkpoint_id)`,
		`CREATE TABLE IF NOT EXISTS mutations (
			mutation_id    TEXT PRIMARY KEY,
			plan_id        TEXT,
			cycle_id       TEXT,
			trait_name     TEXT NOT NULL,
			version        INTEGER NOT NULL,
			code_hash      TEXT NOT NULL,
			file_path      TEXT,
			status         TEXT NOT NULL,
			reason_code    TEXT,
			validation_log TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mutation_sources (
			mutation_id TEXT PRIMARY KEY REFERENCES mutations(mutation_id) ON DELETE CASCADE,
			source      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS used_hashes (
			hash       TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feed_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent      TEXT NOT NULL,
			action     TEXT NOT NULL,
			message    TEXT NOT NULL,
			metadata   TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- checkpoints ---

type worldMeta struct {
	Width        float64           `json:"width"`
	Height       float64           `json:"height"`
	TraitSources map[string]string `json:"trait_sources"`
	DeathStats   map[string]int    `json:"death_stats"`
}

// SaveCheckpoint persists a checkpoint. Implements sim.Checkpointer.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *sim.Checkpoint) error {
	meta, err := json.Marshal(worldMeta{
		Width:        cp.WorldWidth,
		Height:       cp.WorldHeight,
		TraitSources: cp.TraitSources,
		DeathStats:   cp.DeathStats,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (tick, world, saved_at) VALUES (?, ?, ?)`,
		cp.Tick, string(meta), cp.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	cpID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("checkpoint id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO checkpoint_entities
			(checkpoint_id, entity_id, x, y, energy, max_energy, age, trait_names, state, parent_id, entity_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entity insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range cp.Entities {
		names, err := json.Marshal(e.TraitNames)
		if err != nil {
			return fmt.Errorf("marshal trait names: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, cpID, e.ID, e.X, e.Y, e.Energy, e.MaxEnergy,
			e.Age, string(names), e.State, e.ParentID, e.EntityType); err != nil {
			return fmt.Errorf("insert checkpoint entity: %w", err)
		}
	}

	// Keep the two most recent checkpoints.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE id NOT IN
			(SELECT id FROM checkpoints ORDER BY id DESC LIMIT 2)`); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}

	return tx.Commit()
}

// LatestCheckpoint loads the most recent checkpoint, or (nil, nil) when the
// database holds none.
func (s *Store) LatestCheckpoint(ctx context.Context) (*sim.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tick, world, saved_at FROM checkpoints ORDER BY id DESC LIMIT 1`)

	var (
		id      int64
		tick    uint64
		metaRaw string
		savedAt string
	)
	if err := row.Scan(&id, &tick, &metaRaw, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var meta worldMeta
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return nil, fmt.Errorf("decode checkpoint meta: %w", err)
	}

	cp := &sim.Checkpoint{
		Tick:         tick,
		WorldWidth:   meta.Width,
		WorldHeight:  meta.Height,
		TraitSources: meta.TraitSources,
		DeathStats:   meta.DeathStats,
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		cp.SavedAt = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, x, y, energy, max_energy, age, trait_names, state, parent_id, entity_type
		 FROM checkpoint_entities WHERE checkpoint_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        sim.EntityCheckpoint
			namesRaw string
			parent   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.X, &e.Y, &e.Energy, &e.MaxEnergy, &e.Age,
			&namesRaw, &e.State, &parent, &e.EntityType); err != nil {
			return nil, fmt.Errorf("scan checkpoint entity: %w", err)
		}
		if err := json.Unmarshal([]byte(namesRaw), &e.TraitNames); err != nil {
			return nil, fmt.Errorf("decode trait names: %w", err)
		}
		e.ParentID = parent.String
		cp.Entities = append(cp.Entities, e)
	}
	return cp, rows.Err()
}
