// Package lock provides advisory file locks for repoyard operations.
//
// Two scopes exist: a single global lock guarding the repoyard index file,
// and one lock per repo guarding sync, rename, delete, include and exclude
// operations on that repo. Any code path holding both must take the global
// lock first; multiple per-repo locks are always taken in sorted index-key
// order.
//
// Lock directory layout:
//
//	<dir>/global.lock
//	<dir>/repos/<index-key>/sync.lock
package lock

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultGlobalTimeout bounds waits for the global lock.
	DefaultGlobalTimeout = 30 * time.Second

	// DefaultRepoTimeout bounds waits for a per-repo lock. Syncs can be
	// slow, so this is deliberately long.
	DefaultRepoTimeout = 10 * time.Minute

	// pollInterval is the delay between acquisition attempts.
	pollInterval = 100 * time.Millisecond
)

// TimeoutError reports that a lock could not be acquired within the
// timeout. It is returned to the caller, never retried automatically.
type TimeoutError struct {
	Scope string
	Path  string
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not acquire %s lock within %s, another repoyard operation may be in progress (lock file: %s)",
		e.Scope, e.Wait, e.Path)
}

// Manager creates and tracks file locks under a single lock directory.
// A Manager represents one logical operation: re-acquiring a lock the
// manager already holds succeeds without blocking.
type Manager struct {
	dir string

	mu   sync.Mutex
	held map[string]int // lock path -> re-entrancy count
}

// NewManager returns a Manager rooted at dir. The directory is created
// lazily on first acquisition.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, held: make(map[string]int)}
}

// GlobalPath returns the path of the global lock file.
func (m *Manager) GlobalPath() string {
	return filepath.Join(m.dir, "global.lock")
}

// RepoPath returns the path of the per-repo lock file for an index key.
func (m *Manager) RepoPath(indexKey string) string {
	return filepath.Join(m.dir, "repos", indexKey, "sync.lock")
}

// AcquireGlobal acquires the global lock.
func (m *Manager) AcquireGlobal(timeout time.Duration) (*Handle, error) {
	return m.acquire("global", m.GlobalPath(), timeout)
}

// AcquireRepo acquires the per-repo lock for an index key.
func (m *Manager) AcquireRepo(indexKey string, timeout time.Duration) (*Handle, error) {
	return m.acquire(fmt.Sprintf("repo (%s)", indexKey), m.RepoPath(indexKey), timeout)
}

// AcquireRepos acquires per-repo locks for all given index keys in sorted
// order, deduplicated, to keep the lock order deterministic across
// processes. On failure every already-acquired lock is released and the
// first error is returned.
func (m *Manager) AcquireRepos(indexKeys []string, timeout time.Duration) (Handles, error) {
	seen := make(map[string]bool, len(indexKeys))
	keys := make([]string, 0, len(indexKeys))
	for _, k := range indexKeys {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	handles := make(Handles, 0, len(keys))
	for _, k := range keys {
		h, err := m.AcquireRepo(k, timeout)
		if err != nil {
			handles.Release()
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (m *Manager) acquire(scope, path string, timeout time.Duration) (*Handle, error) {
	m.mu.Lock()
	if m.held[path] > 0 {
		m.held[path]++
		m.mu.Unlock()
		return &Handle{m: m, path: path}, nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			m.mu.Lock()
			m.held[path] = 1
			m.mu.Unlock()
			return &Handle{m: m, path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{Scope: scope, Path: path, Wait: timeout}
		}
		time.Sleep(pollInterval)
	}
}

// CleanupStale removes lock files older than maxAge that this manager does
// not hold. It is janitorial maintenance for locks left behind by crashed
// processes and is never called during a normal acquire. The removed paths
// are returned.
func (m *Manager) CleanupStale(maxAge time.Duration) ([]string, error) {
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return nil, nil
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string

	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Another process may have removed it mid-walk.
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		m.mu.Lock()
		heldHere := m.held[path] > 0
		m.mu.Unlock()
		if heldHere {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed = append(removed, path)
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("scanning lock directory: %w", err)
	}
	return removed, nil
}

// Handle is a held lock. Release is idempotent.
type Handle struct {
	m        *Manager
	path     string
	released bool
	mu       sync.Mutex
}

// Release drops one level of the lock. The lock file is removed once the
// outermost acquisition releases.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.held[h.path] == 0 {
		return
	}
	h.m.held[h.path]--
	if h.m.held[h.path] == 0 {
		delete(h.m.held, h.path)
		os.Remove(h.path)
	}
}

// Handles is a set of held locks, released together in reverse order.
type Handles []*Handle

// Release releases all locks in reverse acquisition order.
func (hs Handles) Release() {
	for i := len(hs) - 1; i >= 0; i-- {
		hs[i].Release()
	}
}
