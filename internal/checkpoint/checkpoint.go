// Package checkpoint persists state snapshots and terminal workflow records to
// a local sqlite database. Writes are best-effort: coordinators call them
// asynchronously and a failed checkpoint never fails the operation that
// produced it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/chousei/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_snapshots (
	component_id TEXT NOT NULL,
	version      INTEGER NOT NULL,
	state_data   TEXT NOT NULL,
	checksum     TEXT NOT NULL,
	taken_at     TEXT NOT NULL,
	PRIMARY KEY (component_id, version)
);

CREATE TABLE IF NOT EXISTS workflow_records (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	completed_at TEXT
);
`

// Store is a sqlite-backed checkpoint store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	// sqlite allows one writer; serialize access through the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot persists one state snapshot. Re-saving the same
// component/version pair overwrites it.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.StateSnapshot) error {
	data, err := json.Marshal(snap.StateData)
	if err != nil {
		return fmt.Errorf("checkpoint: encode state for %s: %w", snap.ComponentID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_snapshots (component_id, version, state_data, checksum, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (component_id, version) DO UPDATE SET
			state_data = excluded.state_data,
			checksum   = excluded.checksum,
			taken_at   = excluded.taken_at`,
		snap.ComponentID, snap.Version, string(data), snap.Checksum,
		snap.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("checkpoint: save snapshot %s v%d: %w", snap.ComponentID, snap.Version, err)
	}
	return nil
}

// LatestSnapshots returns the highest-version snapshot per component.
func (s *Store) LatestSnapshots(ctx context.Context) ([]model.StateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.component_id, t.version, t.state_data, t.checksum, t.taken_at
		FROM state_snapshots t
		JOIN (
			SELECT component_id, MAX(version) AS version
			FROM state_snapshots
			GROUP BY component_id
		) latest ON latest.component_id = t.component_id AND latest.version = t.version
		ORDER BY t.component_id`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.StateSnapshot
	for rows.Next() {
		var snap model.StateSnapshot
		var data, takenAt string
		if err := rows.Scan(&snap.ComponentID, &snap.Version, &data, &snap.Checksum, &takenAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.StateData); err != nil {
			return nil, fmt.Errorf("checkpoint: decode state for %s: %w", snap.ComponentID, err)
		}
		if snap.Timestamp, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
			return nil, fmt.Errorf("checkpoint: parse timestamp for %s: %w", snap.ComponentID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveWorkflowRecord persists a terminal workflow, full step detail included.
func (s *Store) SaveWorkflowRecord(ctx context.Context, wf model.Workflow) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("checkpoint: encode workflow %s: %w", wf.ID, err)
	}
	var completedAt any
	if wf.CompletedAt != nil {
		completedAt = wf.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_records (id, type, status, payload, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status       = excluded.status,
			payload      = excluded.payload,
			completed_at = excluded.completed_at`,
		wf.ID.String(), wf.Type, string(wf.Status), string(payload),
		wf.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// WorkflowRecord loads one persisted workflow.
func (s *Store) WorkflowRecord(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_records WHERE id = ?`, id.String()).Scan(&payload)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("checkpoint: load workflow %s: %w", id, err)
	}
	var wf model.Workflow
	if err := json.Unmarshal([]byte(payload), &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("checkpoint: decode workflow %s: %w", id, err)
	}
	return wf, nil
}
