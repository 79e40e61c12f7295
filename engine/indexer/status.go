package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

const statusSchema = `
CREATE TABLE IF NOT EXISTS index_status (
	entity_id    TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	state        TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	chunk_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_status_state ON index_status (state);
`

// StatusStore persists per-entity indexing state in SQLite. The content hash
// recorded at last success drives staleness short-circuiting across restarts.
type StatusStore struct {
	db *sql.DB
}

// OpenStatusStore opens (and migrates) the status database. Use ":memory:"
// for tests.
func OpenStatusStore(dsn string) (*StatusStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("indexer: open status db: %w", err)
	}
	// modernc sqlite serializes writes itself; a single conn avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(statusSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexer: migrate status db: %w", err)
	}
	return &StatusStore{db: db}, nil
}

func (s *StatusStore) Close() error { return s.db.Close() }

// Get returns the status for an entity, reporting absence without error.
func (s *StatusStore) Get(ctx context.Context, tenantID, entityID string) (domain.IndexStatus, bool, error) {
	var st domain.IndexStatus
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, tenant_id, entity_type, state, content_hash, chunk_count, last_error, updated_at
		 FROM index_status WHERE tenant_id = ? AND entity_id = ?`, tenantID, entityID).
		Scan(&st.EntityID, &st.TenantID, &st.EntityType, &state, &st.ContentHash, &st.ChunkCount, &st.LastError, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IndexStatus{}, false, nil
	}
	if err != nil {
		return domain.IndexStatus{}, false, fmt.Errorf("indexer: get status %s: %w", entityID, err)
	}
	st.State = domain.IndexState(state)
	return st, true, nil
}

// Put upserts the status row.
func (s *StatusStore) Put(ctx context.Context, st domain.IndexStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO index_status (entity_id, tenant_id, entity_type, state, content_hash, chunk_count, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			state = excluded.state,
			content_hash = excluded.content_hash,
			chunk_count = excluded.chunk_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.EntityID, st.TenantID, st.EntityType, string(st.State), st.ContentHash, st.ChunkCount, st.LastError, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("indexer: put status %s: %w", st.EntityID, err)
	}
	return nil
}

// Delete removes the status row, typically after the entity itself is deleted.
func (s *StatusStore) Delete(ctx context.Context, tenantID, entityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM index_status WHERE tenant_id = ? AND entity_id = ?`, tenantID, entityID); err != nil {
		return fmt.Errorf("indexer: delete status %s: %w", entityID, err)
	}
	return nil
}

// CountByState returns how many entities sit in each state, for the admin
// status endpoint and metrics.
func (s *StatusStore) CountByState(ctx context.Context) (map[domain.IndexState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM index_status GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("indexer: count by state: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.IndexState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("indexer: count by state: %w", err)
		}
		out[domain.IndexState(state)] = n
	}
	return out, rows.Err()
}
