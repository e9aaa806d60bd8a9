package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kasmartw/apptflow/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestSQLiteStore_ThreadRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	if got, err := s.GetThread(context.Background(), "user-1"); err != nil || got != nil {
		t.Fatalf("absent thread: %v, %v", got, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SaveThread(context.Background(), Thread{ExternalID: "user-1", ThreadID: "t1", LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThread(context.Background(), "user-1")
	if err != nil || got == nil {
		t.Fatalf("saved thread: %v, %v", got, err)
	}
	if got.ThreadID != "t1" || !got.LastSeen.Equal(now) {
		t.Errorf("round trip = %+v", got)
	}

	// Upsert replaces the row.
	if err := s.SaveThread(context.Background(), Thread{ExternalID: "user-1", ThreadID: "t2", LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetThread(context.Background(), "user-1")
	if got.ThreadID != "t2" {
		t.Errorf("after upsert = %+v", got)
	}
}

func TestSQLiteStore_SnapshotRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	sess := models.NewSession("user-1", "t1")
	sess.State = models.StateRescheduleVerify
	sess.SetData(models.DataKeyConfirmationNumber, "CONF42")
	sess.RetryCounters[models.FlowKeyReschedule] = 1
	sess.AppendMessage("user", "move my appointment")

	if err := s.SaveSnapshot(context.Background(), "t1", sess.Snapshot()); err != nil {
		t.Fatal(err)
	}
	snap, err := s.GetSnapshot(context.Background(), "t1")
	if err != nil || snap == nil {
		t.Fatalf("saved snapshot: %v, %v", snap, err)
	}
	if snap.State != models.StateRescheduleVerify {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Data[models.DataKeyConfirmationNumber] != "CONF42" {
		t.Error("data lost in round trip")
	}
	if snap.RetryCounters[models.FlowKeyReschedule] != 1 {
		t.Error("counters lost in round trip")
	}
	if len(snap.History) != 1 {
		t.Errorf("history length = %d", len(snap.History))
	}

	// Saving again replaces the whole row.
	sess.State = models.StatePostAction
	if err := s.SaveSnapshot(context.Background(), "t1", sess.Snapshot()); err != nil {
		t.Fatal(err)
	}
	snap, _ = s.GetSnapshot(context.Background(), "t1")
	if snap.State != models.StatePostAction {
		t.Errorf("after replace state = %s", snap.State)
	}

	if err := s.DeleteSnapshot(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := s.GetSnapshot(context.Background(), "t1"); snap != nil {
		t.Error("deleted snapshot still present")
	}
}

func TestSQLiteStore_ListIdleThreads(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	s.SaveThread(context.Background(), Thread{ExternalID: "old", ThreadID: "t-old", LastSeen: now.Add(-72 * time.Hour)})
	s.SaveThread(context.Background(), Thread{ExternalID: "new", ThreadID: "t-new", LastSeen: now})

	idle, err := s.ListIdleThreads(context.Background(), now.Add(-48 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].ExternalID != "old" {
		t.Errorf("idle = %+v", idle)
	}
}
