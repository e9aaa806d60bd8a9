// Package store provides storage backends for apptflow session state.
//
// It includes an in-memory store for tests and single-process deployments,
// plus SQLite and PostgreSQL backends for persistence across restarts.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kasmartw/apptflow/internal/models"
)

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Thread maps an external session identifier (whatever the channel hands us)
// to the internal thread ID under which state is persisted.
type Thread struct {
	ExternalID string
	ThreadID   string
	LastSeen   time.Time
}

// Store is the persistence contract for session threads and snapshots.
// Lookups return (nil, nil) when the record is absent; saves are upserts
// that atomically replace the previous record. Every operation honors the
// caller's context so a stalled backend cannot block a turn indefinitely.
type Store interface {
	GetThread(ctx context.Context, externalID string) (*Thread, error)
	SaveThread(ctx context.Context, t Thread) error
	DeleteThread(ctx context.Context, externalID string) error
	ListIdleThreads(ctx context.Context, before time.Time) ([]Thread, error)

	GetSnapshot(ctx context.Context, threadID string) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, threadID string, snap models.Snapshot) error
	DeleteSnapshot(ctx context.Context, threadID string) error

	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore keeps threads and snapshots in process memory. It is safe
// for concurrent use.
type InMemoryStore struct {
	mu        sync.RWMutex
	threads   map[string]Thread
	snapshots map[string]models.Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:   make(map[string]Thread),
		snapshots: make(map[string]models.Snapshot),
	}
}

func (s *InMemoryStore) GetThread(ctx context.Context, externalID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[externalID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) SaveThread(ctx context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ExternalID] = t
	return nil
}

func (s *InMemoryStore) DeleteThread(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, externalID)
	return nil
}

func (s *InMemoryStore) ListIdleThreads(ctx context.Context, before time.Time) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []Thread
	for _, t := range s.threads {
		if t.LastSeen.Before(before) {
			idle = append(idle, t)
		}
	}
	return idle, nil
}

func (s *InMemoryStore) GetSnapshot(ctx context.Context, threadID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[threadID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *InMemoryStore) SaveSnapshot(ctx context.Context, threadID string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[threadID] = snap
	return nil
}

func (s *InMemoryStore) DeleteSnapshot(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, threadID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
