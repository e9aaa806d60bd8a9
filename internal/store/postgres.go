// Package store provides storage backends for apptflow session state.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/kasmartw/apptflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, externalID string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `SELECT external_id, thread_id, last_seen FROM threads WHERE external_id = $1`, externalID).
		Scan(&t.ExternalID, &t.ThreadID, &t.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetThread failed", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("failed to query thread %s: %w", externalID, err)
	}
	return &t, nil
}

func (s *PostgresStore) SaveThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (external_id, thread_id, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO UPDATE SET thread_id = EXCLUDED.thread_id, last_seen = EXCLUDED.last_seen`,
		t.ExternalID, t.ThreadID, t.LastSeen)
	if err != nil {
		slog.Error("PostgresStore.SaveThread failed", "error", err, "externalID", t.ExternalID)
		return fmt.Errorf("failed to save thread %s: %w", t.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE external_id = $1`, externalID)
	if err != nil {
		slog.Error("PostgresStore.DeleteThread failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to delete thread %s: %w", externalID, err)
	}
	return nil
}

func (s *PostgresStore) ListIdleThreads(ctx context.Context, before time.Time) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id, thread_id, last_seen FROM threads WHERE last_seen < $1`, before)
	if err != nil {
		slog.Error("PostgresStore.ListIdleThreads query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle threads: %w", err)
	}
	defer rows.Close()

	var idle []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ExternalID, &t.ThreadID, &t.LastSeen); err != nil {
			slog.Error("PostgresStore.ListIdleThreads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		idle = append(idle, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore.ListIdleThreads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate thread rows: %w", err)
	}
	return idle, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, threadID string) (*models.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE thread_id = $1`, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetSnapshot not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSnapshot failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query snapshot for %s: %w", threadID, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		slog.Error("PostgresStore.GetSnapshot JSON unmarshal failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", threadID, err)
	}
	return &snap, nil
}

// SaveSnapshot atomically replaces the stored snapshot for the thread.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, threadID string, snap models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		slog.Error("PostgresStore.SaveSnapshot JSON marshal failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to encode snapshot for %s: %w", threadID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (thread_id, state, payload, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		threadID, string(snap.State), payload, snap.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSnapshot failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to save snapshot for %s: %w", threadID, err)
	}
	slog.Debug("PostgresStore.SaveSnapshot succeeded", "threadID", threadID, "state", snap.State)
	return nil
}

func (s *PostgresStore) DeleteSnapshot(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE thread_id = $1`, threadID)
	if err != nil {
		slog.Error("PostgresStore.DeleteSnapshot failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to delete snapshot for %s: %w", threadID, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing Postgres database connection")
	return s.db.Close()
}
