// Package lock provides per-epic lock files so that only one process drives a
// given epic at a time.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Info is the metadata stored in a lock file.
type Info struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrLocked indicates a live lock is held by another run.
type ErrLocked struct {
	EpicID string
	Info   *Info // nil if the lock file is unreadable
	Path   string
}

func (e *ErrLocked) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("epic %s is locked by run %s (pid %d) since %s (lock file: %s)",
			e.EpicID, e.Info.RunID, e.Info.PID, e.Info.CreatedAt.Format(time.RFC3339), e.Path)
	}
	return fmt.Sprintf("epic %s is locked (lock file: %s)", e.EpicID, e.Path)
}

// EpicLock acquires lock files under Dir.
type EpicLock struct {
	Dir        string
	StaleAfter time.Duration
	Now        func() time.Time
	IsPIDAlive func(pid int) bool
}

// NewEpicLock returns an EpicLock with defaults:
// - StaleAfter: 24h, applied only to lock files that cannot be read
// - Now: time.Now
// - IsPIDAlive: signal 0 liveness check
func NewEpicLock(dir string) EpicLock {
	return EpicLock{
		Dir:        dir,
		StaleAfter: 24 * time.Hour,
		Now:        time.Now,
		IsPIDAlive: isPIDAlive,
	}
}

// Path returns the lock file path for an epic.
func (l EpicLock) Path(epicID string) string {
	return filepath.Join(l.Dir, epicID+".lock")
}

// Lock acquires the epic lock and returns the release function. A live lock
// held by someone else yields *ErrLocked. Stale locks are removed and the
// acquisition retried.
func (l EpicLock) Lock(epicID, runID string) (unlock func() error, err error) {
	path := l.Path(epicID)
	const maxRetries = 3

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info := Info{PID: os.Getpid(), RunID: runID, CreatedAt: l.Now()}
			data, _ := json.Marshal(info)
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to close lock file: %w", cerr)
			}
			return func() error {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		info, readErr := readInfo(path)
		if readErr != nil {
			// unreadable: judge staleness by mtime
			stat, statErr := os.Stat(path)
			if statErr != nil || l.Now().Sub(stat.ModTime()) <= l.StaleAfter {
				return nil, &ErrLocked{EpicID: epicID, Path: path}
			}
		} else if !l.isStale(info) {
			return nil, &ErrLocked{EpicID: epicID, Info: info, Path: path}
		}

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, &ErrLocked{EpicID: epicID, Info: info, Path: path}
		}
	}

	return nil, &ErrLocked{EpicID: epicID, Path: path}
}

// Holder returns the current lock info, or nil when the epic is unlocked.
func (l EpicLock) Holder(epicID string) (*Info, error) {
	info, err := readInfo(l.Path(epicID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// isStale reports whether the holder is gone. A live holder keeps the lock
// however long its run takes.
func (l EpicLock) isStale(info *Info) bool {
	return !l.IsPIDAlive(info.PID)
}

// isPIDAlive sends signal 0; EPERM means the process exists.
func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
