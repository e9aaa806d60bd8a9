// Package lockfile guards the state directory against concurrent apptflow
// instances. The lock is a flock(2) on a file inside the directory, so it is
// released by the kernel even when the process dies without cleanup.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the file created inside the state directory while an
// instance holds the lock.
const LockFileName = "apptflow.lock"

// Lock is an acquired state directory lock. Release is safe to call more
// than once.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// LockError reports a lock held by another process, including what is known
// about the holder.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another apptflow instance is already using this state directory (lock file: %s)", e.LockPath)
	if e.Holder != "" {
		msg += fmt.Sprintf("; held by %s", e.Holder)
	}
	msg += fmt.Sprintf("; if no other instance is running the lock is stale and can be removed with: rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// AcquireLock takes an exclusive non-blocking lock on stateDir, creating the
// directory if needed. On contention it returns a *LockError describing the
// current holder.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	lockPath := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("AcquireLock: lock held by another instance", "lockPath", lockPath, "holder", holder)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// Record our PID for diagnostics; the flock itself is the real lock.
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "pid=%d\n", os.Getpid())
		file.Sync()
	}

	slog.Info("AcquireLock: state directory locked", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release drops the flock and removes the lock file.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Release: failed to release flock", "error", err, "lockPath", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Release: failed to close lock file", "error", err, "lockPath", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}

	l.acquired = false
	l.file = nil
	slog.Info("Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// describeHolder reads the lock file left by the holding process and reports
// whether that process still exists.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}

	content := strings.TrimSpace(string(data))
	pidStr, ok := strings.CutPrefix(content, "pid=")
	if !ok {
		return content
	}
	pid, err := strconv.Atoi(strings.Fields(pidStr)[0])
	if err != nil || pid <= 0 {
		return content
	}

	if processExists(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// processExists checks for a live process via signal 0, which probes
// existence without delivering a signal.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
