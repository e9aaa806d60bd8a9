package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLockWritesPID(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	want := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != want {
		t.Errorf("lock file content = %q, want %q", content, want)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("second AcquireLock should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if !strings.Contains(err.Error(), "another apptflow instance") {
		t.Errorf("error should mention the conflicting instance: %s", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("holder should name our running PID, got %q", lockErr.Holder)
	}
}

func TestReleaseRemovesLockFile(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	if err := lock.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release: %s", lockPath)
	}

	// Release twice is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	// The directory can be locked again.
	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lock2.Release()
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock should create the directory: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory was not created: %v", err)
	}
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeHolder(path); got != "" {
		t.Errorf("missing file: got %q, want empty", got)
	}

	os.WriteFile(path, []byte("pid=abc\n"), 0644)
	if got := describeHolder(path); got != "pid=abc" {
		t.Errorf("unparseable pid: got %q", got)
	}

	os.WriteFile(path, []byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0644)
	if got := describeHolder(path); !strings.Contains(got, "(running)") {
		t.Errorf("our own PID should be reported running, got %q", got)
	}
}

func TestProcessExists(t *testing.T) {
	if !processExists(os.Getpid()) {
		t.Error("our own process should exist")
	}
}
