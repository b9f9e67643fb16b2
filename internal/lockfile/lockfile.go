// Package lockfile provides per-queue file locks so that only one consumer per
// queue runs on a host.
//
// Locks are flock(2) locks on a file under the state directory and are
// released by the kernel when the holding process exits, gracefully or not.
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

// LockDirName is the subdirectory of the state directory holding lock files.
const LockDirName = "locks"

// Lock is a held consumer lock.
type Lock struct {
	file *os.File
	path string
	name string
}

// PathFor returns the lock file path for the consumer named name.
func PathFor(stateDir, name string) string {
	return filepath.Join(stateDir, LockDirName, sanitize(name)+".lock")
}

// sanitize maps a queue name to a safe file name.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// AcquireLock takes the exclusive lock for the consumer named name. When
// another process (or another Lock in this process) holds it, the returned
// error is a *LockError describing the holder.
func AcquireLock(stateDir, name string) (*Lock, error) {
	lockPath := PathFor(stateDir, name)
	slog.Debug("lockfile.AcquireLock: attempting", "lock_path", lockPath, "name", name)

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory for %s: %w", name, err)
	}

	// The file is only truncated once the lock is held so a losing caller can
	// still read the holder's pid.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := readExistingLockInfo(lockPath)
		slog.Warn("lockfile.AcquireLock: lock held by another consumer", "lock_path", lockPath, "name", name, "holder", info)
		return nil, &LockError{Name: name, LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\nname=%s\n", os.Getpid(), name)), 0)
		if err != nil {
			syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
			file.Close()
			return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
		}
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: failed to sync lock file", "error", err, "lock_path", lockPath)
	}

	slog.Info("lockfile.AcquireLock: acquired consumer lock", "lock_path", lockPath, "name", name, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, name: name}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file that is
	// about to disappear.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: released consumer lock", "lock_path", l.path, "name", l.name)
	return err
}

// LockError reports that another consumer holds the lock.
type LockError struct {
	Name         string
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another consumer for queue %q is already running on this host (lock file: %s)", e.Name, e.LockPath)
	if e.ExistingInfo != "" {
		msg += "; holder: " + e.ExistingInfo
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the process recorded in a lock file.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file contains no process information"
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running)", pid)
	}
	return strings.TrimSpace(content)
}

// extractPIDFromLockInfo returns the value of the first pid= line, or 0.
func extractPIDFromLockInfo(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
		return 0
	}
	return 0
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
