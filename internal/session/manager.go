// Package session serializes conversation turns and owns the mapping from
// external session identifiers to persisted threads.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kasmartw/apptflow/internal/models"
	"github.com/kasmartw/apptflow/internal/store"
)

// DefaultIdleWindow is how long a thread may sit untouched before the
// reaper evicts it.
const DefaultIdleWindow = 48 * time.Hour

// DefaultCommitTimeout bounds the snapshot commit at the end of a turn. A
// stalled store must not hold the turn open indefinitely.
const DefaultCommitTimeout = 5 * time.Second

// commitTimeoutReply is returned to the user when the committed turn could
// not be persisted in time. The turn's state is rolled back with it.
const commitTimeoutReply = "I'm sorry, we're having technical difficulties right now. Please try again in a few minutes, or call us directly."

// Orchestrator is the turn driver the manager delegates to. It matches
// flow.Orchestrator.
type Orchestrator interface {
	Advance(ctx context.Context, sess *models.Session, inbound string) (string, error)
}

// Manager resolves external IDs to threads, serializes turns per session and
// commits session snapshots atomically. Concurrent messages for the same
// external ID queue behind a per-session lock; different sessions proceed in
// parallel.
type Manager struct {
	store         store.Store
	orch          Orchestrator
	idleWindow    time.Duration
	commitTimeout time.Duration

	locks sync.Map // externalID -> *sync.Mutex
}

// NewManager creates a session manager. A zero idleWindow selects the default.
func NewManager(st store.Store, orch Orchestrator, idleWindow time.Duration) *Manager {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	return &Manager{store: st, orch: orch, idleWindow: idleWindow, commitTimeout: DefaultCommitTimeout}
}

// HandleMessage runs one full turn for the external session: take the
// session's lock, resolve the thread, load the last committed snapshot,
// advance, and commit. The lock is keyed on the external ID and taken before
// thread resolution, so two concurrent first messages for the same session
// can never mint two threads or advance in parallel. If the turn fails or
// the context is cancelled nothing is committed, so the thread keeps its
// previous snapshot.
func (m *Manager) HandleMessage(ctx context.Context, externalID, platform, text string) (string, error) {
	if externalID == "" {
		return "", fmt.Errorf("session ID must not be empty")
	}

	lock := m.lockFor(externalID)
	lock.Lock()
	defer lock.Unlock()

	threadID, err := m.resolveThread(ctx, externalID)
	if err != nil {
		return "", err
	}

	sess, err := m.loadSession(ctx, externalID, threadID)
	if err != nil {
		return "", err
	}
	if platform != "" {
		sess.Platform = platform
	}

	reply, err := m.orch.Advance(ctx, sess, text)
	if err != nil {
		slog.Error("Manager.HandleMessage: turn failed, snapshot not committed",
			"error", err, "externalID", externalID, "threadID", threadID)
		return "", fmt.Errorf("failed to advance session %s: %w", externalID, err)
	}
	if err := ctx.Err(); err != nil {
		slog.Warn("Manager.HandleMessage: context cancelled, snapshot not committed",
			"error", err, "externalID", externalID, "threadID", threadID)
		return "", err
	}

	if err := m.commit(ctx, externalID, threadID, sess); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Error("Manager.HandleMessage: commit timed out, turn discarded",
				"error", err, "externalID", externalID, "threadID", threadID)
			return commitTimeoutReply, nil
		}
		return "", err
	}
	slog.Debug("Manager.HandleMessage: turn committed",
		"externalID", externalID, "threadID", threadID, "state", sess.State)
	return reply, nil
}

// Get returns the last committed session for the external ID without taking
// the session lock; observers see the previous snapshot while a turn is in
// flight.
func (m *Manager) Get(ctx context.Context, externalID string) (*models.Session, error) {
	thread, err := m.store.GetThread(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread for %s: %w", externalID, err)
	}
	if thread == nil {
		return nil, models.ErrSessionNotFound
	}
	snap, err := m.store.GetSnapshot(ctx, thread.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", externalID, err)
	}
	if snap == nil {
		return nil, models.ErrSessionNotFound
	}
	return models.Restore(externalID, thread.ThreadID, *snap), nil
}

// ReapIdle evicts every thread whose last activity predates the idle
// window. Returns the number of threads removed.
func (m *Manager) ReapIdle(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.idleWindow)
	idle, err := m.store.ListIdleThreads(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle threads: %w", err)
	}

	reaped := 0
	for _, t := range idle {
		lock := m.lockFor(t.ExternalID)
		lock.Lock()
		if err := m.store.DeleteSnapshot(ctx, t.ThreadID); err != nil {
			lock.Unlock()
			slog.Error("Manager.ReapIdle: failed to delete snapshot", "error", err, "threadID", t.ThreadID)
			continue
		}
		if err := m.store.DeleteThread(ctx, t.ExternalID); err != nil {
			lock.Unlock()
			slog.Error("Manager.ReapIdle: failed to delete thread", "error", err, "externalID", t.ExternalID)
			continue
		}
		lock.Unlock()
		m.locks.Delete(t.ExternalID)
		reaped++
	}
	if reaped > 0 {
		slog.Info("Manager.ReapIdle: evicted idle threads", "count", reaped, "cutoff", cutoff)
	}
	return reaped, nil
}

// StartReaper runs ReapIdle on the given interval until the context is
// cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("Manager.StartReaper: reaper stopped")
				return
			case <-ticker.C:
				if _, err := m.ReapIdle(ctx); err != nil {
					slog.Error("Manager.StartReaper: reap pass failed", "error", err)
				}
			}
		}
	}()
}

// resolveThread is called under the session lock, so the read-then-create
// window is race-free.
func (m *Manager) resolveThread(ctx context.Context, externalID string) (string, error) {
	thread, err := m.store.GetThread(ctx, externalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve thread for %s: %w", externalID, err)
	}
	if thread != nil {
		return thread.ThreadID, nil
	}

	threadID := uuid.NewString()
	if err := m.store.SaveThread(ctx, store.Thread{ExternalID: externalID, ThreadID: threadID, LastSeen: time.Now()}); err != nil {
		return "", fmt.Errorf("failed to create thread for %s: %w", externalID, err)
	}
	slog.Info("Manager.resolveThread: new thread created", "externalID", externalID, "threadID", threadID)
	return threadID, nil
}

func (m *Manager) loadSession(ctx context.Context, externalID, threadID string) (*models.Session, error) {
	snap, err := m.store.GetSnapshot(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", externalID, err)
	}
	if snap == nil {
		return models.NewSession(externalID, threadID), nil
	}
	return models.Restore(externalID, threadID, *snap), nil
}

// commit atomically replaces the thread's snapshot and bumps its last-seen
// timestamp, bounded by the commit timeout.
func (m *Manager) commit(ctx context.Context, externalID, threadID string, sess *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, m.commitTimeout)
	defer cancel()

	if err := m.store.SaveSnapshot(ctx, threadID, sess.Snapshot()); err != nil {
		return fmt.Errorf("failed to commit snapshot for %s: %w", externalID, err)
	}
	if err := m.store.SaveThread(ctx, store.Thread{ExternalID: externalID, ThreadID: threadID, LastSeen: time.Now()}); err != nil {
		return fmt.Errorf("failed to update thread for %s: %w", externalID, err)
	}
	return nil
}

func (m *Manager) lockFor(externalID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(externalID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
