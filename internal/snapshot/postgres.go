package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/loopd/internal/tasks"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSnapshotSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			task_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init snapshot schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Load(ctx context.Context) (map[string]tasks.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id, payload FROM task_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := map[string]tasks.Snapshot{}
	for rows.Next() {
		id, snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, err
		}
		out[id] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

func scanSnapshotRow(rows pgx.Rows) (string, tasks.Snapshot, error) {
	var (
		id      string
		payload []byte
		snap    tasks.Snapshot
	)
	if err := rows.Scan(&id, &payload); err != nil {
		return "", tasks.Snapshot{}, fmt.Errorf("scan snapshot row: %w", err)
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return "", tasks.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return id, snap, nil
}

// Save replaces every stored row in one transaction.
func (s *PostgresStore) Save(ctx context.Context, snaps map[string]tasks.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM task_snapshots`); err != nil {
		return fmt.Errorf("delete prior snapshots: %w", err)
	}

	batch := &pgx.Batch{}
	for id, snap := range snaps {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", id, err)
		}
		batch.Queue(`INSERT INTO task_snapshots (task_id, payload, saved_at) VALUES ($1, $2, NOW())`, id, payload)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert snapshots: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
