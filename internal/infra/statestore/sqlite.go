package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/foremanhq/foreman/internal/domain"
)

// Ensure SQLiteStore implements domain.StateStore.
var _ domain.StateStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS iteration_state (
	instance_id TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	saved_at    TEXT NOT NULL,
	version     INTEGER NOT NULL
);`

// SQLiteStore persists iteration state in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path with WAL mode and
// a busy timeout, and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for an instance.
func (s *SQLiteStore) Save(ctx context.Context, state *domain.IterationState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iteration_state (instance_id, payload, saved_at, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			payload = excluded.payload,
			saved_at = excluded.saved_at,
			version = excluded.version`,
		state.InstanceID, string(payload), state.SavedAt.UTC().Format("2006-01-02T15:04:05.000Z"), state.Version)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Load reads the snapshot for an instance.
func (s *SQLiteStore) Load(ctx context.Context, instanceID string) (*domain.IterationState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM iteration_state WHERE instance_id = ?`, instanceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	var state domain.IterationState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Delete removes the snapshot for an instance.
func (s *SQLiteStore) Delete(ctx context.Context, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM iteration_state WHERE instance_id = ?`, instanceID)
	if err != nil {
		return false, fmt.Errorf("delete state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
