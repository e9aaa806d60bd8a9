// Package store provides storage backends for apptflow session state.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/kasmartw/apptflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; its directory is
// created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, externalID string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `SELECT external_id, thread_id, last_seen FROM threads WHERE external_id = ?`, externalID).
		Scan(&t.ExternalID, &t.ThreadID, &t.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetThread failed", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("failed to query thread %s: %w", externalID, err)
	}
	return &t, nil
}

func (s *SQLiteStore) SaveThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO threads (external_id, thread_id, last_seen) VALUES (?, ?, ?)`,
		t.ExternalID, t.ThreadID, t.LastSeen)
	if err != nil {
		slog.Error("SQLiteStore.SaveThread failed", "error", err, "externalID", t.ExternalID)
		return fmt.Errorf("failed to save thread %s: %w", t.ExternalID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE external_id = ?`, externalID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteThread failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to delete thread %s: %w", externalID, err)
	}
	return nil
}

func (s *SQLiteStore) ListIdleThreads(ctx context.Context, before time.Time) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id, thread_id, last_seen FROM threads WHERE last_seen < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore.ListIdleThreads query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle threads: %w", err)
	}
	defer rows.Close()

	var idle []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ExternalID, &t.ThreadID, &t.LastSeen); err != nil {
			slog.Error("SQLiteStore.ListIdleThreads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		idle = append(idle, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore.ListIdleThreads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate thread rows: %w", err)
	}
	return idle, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, threadID string) (*models.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE thread_id = ?`, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetSnapshot not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSnapshot failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query snapshot for %s: %w", threadID, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		slog.Error("SQLiteStore.GetSnapshot JSON unmarshal failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", threadID, err)
	}
	return &snap, nil
}

// SaveSnapshot atomically replaces the stored snapshot for the thread.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, threadID string, snap models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		slog.Error("SQLiteStore.SaveSnapshot JSON marshal failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to encode snapshot for %s: %w", threadID, err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO snapshots (thread_id, state, payload, updated_at) VALUES (?, ?, ?, ?)`,
		threadID, string(snap.State), string(payload), snap.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveSnapshot failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to save snapshot for %s: %w", threadID, err)
	}
	slog.Debug("SQLiteStore.SaveSnapshot succeeded", "threadID", threadID, "state", snap.State)
	return nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE thread_id = ?`, threadID)
	if err != nil {
		slog.Error("SQLiteStore.DeleteSnapshot failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to delete snapshot for %s: %w", threadID, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing SQLite database connection")
	return s.db.Close()
}
