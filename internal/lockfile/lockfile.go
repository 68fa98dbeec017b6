// Package lockfile keeps two HuntPipe processes from opening the same SQLite
// state directory. Postgres deployments run many workers and take no lock.
//
// The lock is an flock on a file in the directory, so it is released by the
// kernel however the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the locked directory.
const LockFileName = "huntpipe.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	Host      string
	Database  string
	StartedAt string
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if isProcessRunning(h.PID) {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Host != "" {
		s += " on " + h.Host
	}
	if h.Database != "" {
		s += ", database " + h.Database
	}
	if h.StartedAt != "" {
		s += ", started " + h.StartedAt
	}
	return s
}

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// ForDatabase locks the directory that holds the SQLite file at dbPath. A
// "file:" URI prefix and query string are ignored.
func ForDatabase(dbPath string) (*Lock, error) {
	dbPath = strings.TrimPrefix(dbPath, "file:")
	if i := strings.IndexByte(dbPath, '?'); i >= 0 {
		dbPath = dbPath[:i]
	}
	return AcquireLock(filepath.Dir(dbPath), dbPath)
}

// AcquireLock takes the exclusive lock on dir, creating dir if needed. It
// fails at once with a *LockError if another process holds it.
func AcquireLock(dir, database string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	lockPath := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(lockPath)
		file.Close()
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	host, _ := os.Hostname()
	info := fmt.Sprintf("pid=%d\nhost=%s\ndatabase=%s\nstarted_at=%s\n",
		os.Getpid(), host, database, time.Now().UTC().Format(time.RFC3339))
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	return f.Sync()
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is locked by another HuntPipe process: %s (lock file %s). "+
		"Point each process at its own SQLite file or use Postgres for multiple workers; "+
		"remove the lock file only if the holder is gone", e.Holder, e.LockPath)
}

func (e *LockError) Unwrap() error { return e.Cause }

func readHolder(lockPath string) Holder {
	f, err := os.Open(lockPath)
	if err != nil {
		return Holder{}
	}
	defer f.Close()
	return parseHolder(f)
}

func parseHolder(f *os.File) Holder {
	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(val)
		case "host":
			h.Host = val
		case "database":
			h.Database = val
		case "started_at":
			h.StartedAt = val
		}
	}
	return h
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
