// Package locks implements exclusive, lease-based file locking for
// in-flight tasks. Each lock reserves one repository-relative path for
// one task and is persisted as a JSON record so ownership survives a
// coordinator restart. Expired locks are logically absent: they never
// block acquisition and are removed lazily during conflict checks or
// eagerly by the cleanup sweep.
package locks

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/clock"
	"github.com/marcus/foreman/internal/logging"
)

// DefaultLeaseDuration is how long a lock is valid without renewal.
const DefaultLeaseDuration = 60 * time.Minute

// FileLock is a time-bounded exclusive reservation of one file for one task.
type FileLock struct {
	File          string    `json:"file"`
	TaskID        string    `json:"task_id"`
	WorkerID      string    `json:"worker_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Expired reports whether the lock's lease has lapsed at the given instant.
func (l FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Stats summarizes lock state for operational monitoring.
type Stats struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// AcquireResult reports the outcome of an acquisition attempt.
// A conflict is an expected outcome, not an error: Acquired is false
// and Conflicts names the locks that blocked the request.
type AcquireResult struct {
	Acquired  bool
	Conflicts []FileLock
}

// Manager owns the mapping from file to active lock. It is the sole writer
// of lock state and safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	dir    string
	lease  time.Duration
	clock  clock.Clock
	locks  map[string]*FileLock // file -> lock
	logger *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease overrides the default lease duration.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		m.lease = d
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a lock manager persisting records under dir.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	m := &Manager{
		dir:    dir,
		lease:  DefaultLeaseDuration,
		clock:  clock.Real{},
		locks:  make(map[string]*FileLock),
		logger: logging.Component("locks"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the directory lock records are persisted in.
func (m *Manager) Dir() string {
	return m.dir
}

// Acquire reserves every file in files for taskID, all-or-nothing.
// If any file carries an unexpired lock the call acquires nothing and
// returns the conflicting locks. A persistence failure aborts the whole
// acquisition and leaves no partial state, in memory or on disk.
func (m *Manager) Acquire(taskID, workerID string, files []string) (*AcquireResult, error) {
	if taskID == "" || workerID == "" {
		return nil, fmt.Errorf("task and worker ids are required")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("acquire %s: no files requested", taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	conflicts := m.conflictsLocked(files, now)
	if len(conflicts) > 0 {
		return &AcquireResult{Conflicts: conflicts}, nil
	}

	var written []string
	for _, file := range files {
		lock := &FileLock{
			File:          file,
			TaskID:        taskID,
			WorkerID:      workerID,
			AcquiredAt:    now,
			ExpiresAt:     now.Add(m.lease),
			LastHeartbeat: now,
		}
		if err := m.persist(lock); err != nil {
			// Roll back everything taken so far.
			for _, f := range written {
				delete(m.locks, f)
				_ = os.Remove(m.recordPath(f))
			}
			return nil, fmt.Errorf("persisting lock for %s: %w", file, err)
		}
		m.locks[file] = lock
		written = append(written, file)
	}

	m.logger.InfoEvent().
		Str("task", taskID).
		Str("worker", workerID).
		Int("files", len(files)).
		Msg("locks acquired")

	return &AcquireResult{Acquired: true}, nil
}

// Release removes every lock owned by taskID. Idempotent: releasing a
// task that holds nothing is a no-op.
func (m *Manager) Release(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	released := 0
	for file, lock := range m.locks {
		if lock.TaskID != taskID {
			continue
		}
		delete(m.locks, file)
		released++
		if err := os.Remove(m.recordPath(file)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("removing lock record for %s: %w", file, err)
		}
	}

	if released > 0 {
		m.logger.Debugf("released %d locks for task %s", released, taskID)
	}
	return firstErr
}

// Renew extends the lease on every lock owned by taskID and stamps the
// heartbeat. Returns whether any lock was found.
func (m *Manager) Renew(taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	found := false
	for _, lock := range m.locks {
		if lock.TaskID != taskID {
			continue
		}
		lock.LastHeartbeat = now
		lock.ExpiresAt = now.Add(m.lease)
		if err := m.persist(lock); err != nil {
			return true, fmt.Errorf("persisting renewed lock for %s: %w", lock.File, err)
		}
		found = true
	}
	return found, nil
}

// Conflicts returns the unexpired locks held on any of the given files.
// Expired locks discovered during the check are reclaimed in passing.
func (m *Manager) Conflicts(files []string) []FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictsLocked(files, m.clock.Now())
}

// conflictsLocked must be called with m.mu held.
func (m *Manager) conflictsLocked(files []string, now time.Time) []FileLock {
	var conflicts []FileLock
	for _, file := range files {
		lock, ok := m.locks[file]
		if !ok {
			continue
		}
		if lock.Expired(now) {
			// Lazy reclamation of an expired lock discovered in passing.
			delete(m.locks, file)
			_ = os.Remove(m.recordPath(file))
			continue
		}
		conflicts = append(conflicts, *lock)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].File < conflicts[j].File
	})
	return conflicts
}

// HeldBy returns the files currently locked by taskID.
func (m *Manager) HeldBy(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var files []string
	for file, lock := range m.locks {
		if lock.TaskID == taskID && !lock.Expired(now) {
			files = append(files, file)
		}
	}
	sort.Strings(files)
	return files
}

// CleanupExpired sweeps out every lock whose lease has lapsed and
// returns how many were removed. Safe to run concurrently with live
// acquisitions.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for file, lock := range m.locks {
		if lock.Expired(now) {
			delete(m.locks, file)
			_ = os.Remove(m.recordPath(file))
			removed++
		}
	}

	if removed > 0 {
		m.logger.Infof("cleaned up %d expired locks", removed)
	}
	return removed
}

// LoadFromDisk rehydrates unexpired locks from persisted records,
// discarding expired or unreadable ones. Returns how many locks were
// restored. Intended for startup, before the manager is shared.
func (m *Manager) LoadFromDisk() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("reading lock dir: %w", err)
	}

	now := m.clock.Now()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warnf("skipping unreadable lock record %s: %v", entry.Name(), err)
			continue
		}

		var lock FileLock
		if err := json.Unmarshal(data, &lock); err != nil {
			m.logger.Warnf("discarding corrupt lock record %s: %v", entry.Name(), err)
			_ = os.Remove(path)
			continue
		}

		if lock.Expired(now) {
			_ = os.Remove(path)
			continue
		}

		m.locks[lock.File] = &lock
		loaded++
	}

	if loaded > 0 {
		m.logger.Infof("restored %d locks from disk", loaded)
	}
	return loaded, nil
}

// Snapshot returns a copy of all unexpired locks, sorted by file.
func (m *Manager) Snapshot() []FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]FileLock, 0, len(m.locks))
	for _, lock := range m.locks {
		if !lock.Expired(now) {
			out = append(out, *lock)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].File < out[j].File
	})
	return out
}

// Stats returns active and expired lock counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var s Stats
	for _, lock := range m.locks {
		if lock.Expired(now) {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// persist writes a lock record atomically via temp file and rename.
// Must be called with m.mu held.
func (m *Manager) persist(lock *FileLock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock: %w", err)
	}

	path := m.recordPath(lock.File)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing lock record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming lock record: %w", err)
	}
	return nil
}

// recordPath maps a repository path to its on-disk lock record.
func (m *Manager) recordPath(file string) string {
	return filepath.Join(m.dir, recordName(file))
}

// recordName produces a filesystem-safe name for a locked path. The
// sanitized path keeps records readable; the hash suffix keeps distinct
// paths distinct after sanitization (e.g. "a/b" vs "a_b").
func recordName(file string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, file)

	h := fnv.New32a()
	_, _ = h.Write([]byte(file))
	return fmt.Sprintf("%s-%08x.json", sanitized, h.Sum32())
}
