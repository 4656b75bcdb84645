// Package registry tracks the workers eligible to execute tasks: who
// they are, what skills they carry, how much concurrent work they can
// hold, and whether they are still alive. It is the sole writer of
// worker state; task lifecycle decisions live elsewhere and consume
// this package read-only.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/foreman/internal/clock"
	"github.com/marcus/foreman/internal/logging"
)

// Kind distinguishes human developers from autonomous agents. The
// default capacity ceiling depends on it.
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "ai_agent"
)

// Default capacity ceilings per worker kind.
const (
	DefaultHumanCapacity = 2
	DefaultAgentCapacity = 5
)

// DefaultStaleThreshold is how long a worker may go without activity
// before a liveness sweep marks it offline.
const DefaultStaleThreshold = 10 * time.Minute

// Status reflects a worker's availability. Idle and working are
// derived from the assigned-task set; offline is set only by the
// staleness sweep and cleared on the next sign of life.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusOffline Status = "offline"
)

// Worker is one registered actor, human or agent.
type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Skills       []string  `json:"skills"`
	MaxTasks     int       `json:"max_tasks"`
	CurrentTasks []string  `json:"current_tasks"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
}

// HasSkills reports whether the worker carries every required skill.
func (w *Worker) HasSkills(required []string) bool {
	for _, r := range required {
		found := false
		for _, s := range w.Skills {
			if s == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AtCapacity reports whether the worker cannot take another task.
func (w *Worker) AtCapacity() bool {
	return len(w.CurrentTasks) >= w.MaxTasks
}

func (w *Worker) clone() *Worker {
	c := *w
	c.Skills = append([]string(nil), w.Skills...)
	c.CurrentTasks = append([]string(nil), w.CurrentTasks...)
	return &c
}

// Stats summarizes registry state for operational monitoring.
type Stats struct {
	Total    int `json:"total"`
	Idle     int `json:"idle"`
	Working  int `json:"working"`
	Offline  int `json:"offline"`
	Capacity int `json:"capacity"`
	Load     int `json:"load"`
}

// Registry owns the mapping from worker id to worker. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *logging.Logger
	workers map[string]*Worker
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:   clock.Real{},
		logger:  logging.Component("registry"),
		workers: make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newWorkerID(kind Kind) string {
	prefix := "human"
	if kind == KindAgent {
		prefix = "agent"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// Register adds a worker and returns its record. maxTasks <= 0 selects
// the default capacity for the kind.
func (r *Registry) Register(name string, kind Kind, skills []string, maxTasks int) (*Worker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if kind != KindHuman && kind != KindAgent {
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
	if maxTasks <= 0 {
		if kind == KindHuman {
			maxTasks = DefaultHumanCapacity
		} else {
			maxTasks = DefaultAgentCapacity
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	w := &Worker{
		ID:           newWorkerID(kind),
		Name:         name,
		Kind:         kind,
		Skills:       append([]string(nil), skills...),
		MaxTasks:     maxTasks,
		Status:       StatusIdle,
		RegisteredAt: now,
		LastActivity: now,
	}
	r.workers[w.ID] = w

	r.logger.InfoEvent().
		Str("worker", w.ID).
		Str("name", name).
		Str("kind", string(kind)).
		Int("capacity", maxTasks).
		Msg("Worker registered")
	return w.clone(), nil
}

// Unregister removes a worker. Refused while tasks are still assigned.
func (r *Registry) Unregister(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || len(w.CurrentTasks) > 0 {
		return false
	}
	delete(r.workers, workerID)
	r.logger.InfoEvent().Str("worker", workerID).Msg("Worker unregistered")
	return true
}

// Get returns a copy of the worker record, if registered.
func (r *Registry) Get(workerID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// FindBestWorker picks the strongest available worker for the required
// skills. Candidates must be online, under capacity, and carry every
// required skill. Ranking prefers more matching skills, then a larger
// total skill set, then the lighter current load. Returns nil when no
// worker qualifies.
func (r *Registry) FindBestWorker(requiredSkills []string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Worker
	for _, w := range r.workers {
		if w.Status == StatusOffline || w.AtCapacity() || !w.HasSkills(requiredSkills) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}

	matchCount := func(w *Worker) int {
		n := 0
		for _, req := range requiredSkills {
			for _, s := range w.Skills {
				if s == req {
					n++
					break
				}
			}
		}
		return n
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ma, mb := matchCount(a), matchCount(b); ma != mb {
			return ma > mb
		}
		if len(a.Skills) != len(b.Skills) {
			return len(a.Skills) > len(b.Skills)
		}
		if len(a.CurrentTasks) != len(b.CurrentTasks) {
			return len(a.CurrentTasks) < len(b.CurrentTasks)
		}
		return a.ID < b.ID
	})
	return candidates[0].clone()
}

// AssignTask adds a task to the worker's load. Fails if the worker is
// unknown or at capacity; state is untouched on failure.
func (r *Registry) AssignTask(workerID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.AtCapacity() {
		return false
	}
	w.CurrentTasks = append(w.CurrentTasks, taskID)
	w.Status = StatusWorking
	w.LastActivity = r.clock.Now()

	r.logger.Debugf("Assigned task %s to worker %s (%d/%d)", taskID, workerID, len(w.CurrentTasks), w.MaxTasks)
	return true
}

// UnassignTask removes a task from the worker's load. The worker
// reverts to idle when its last task is removed, unless it has been
// marked offline.
func (r *Registry) UnassignTask(workerID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	removed := false
	for i, id := range w.CurrentTasks {
		if id == taskID {
			w.CurrentTasks = append(w.CurrentTasks[:i], w.CurrentTasks[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return false
	}
	if len(w.CurrentTasks) == 0 && w.Status != StatusOffline {
		w.Status = StatusIdle
	}
	w.LastActivity = r.clock.Now()
	return true
}

// Heartbeat records a liveness signal. An offline worker that
// heartbeats comes back as idle or working depending on its load.
func (r *Registry) Heartbeat(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	w.LastActivity = r.clock.Now()
	if w.Status == StatusOffline {
		if len(w.CurrentTasks) > 0 {
			w.Status = StatusWorking
		} else {
			w.Status = StatusIdle
		}
		r.logger.InfoEvent().Str("worker", workerID).Msg("Worker back online")
	}
	return true
}

// CheckStale marks workers silent for longer than threshold as offline
// and returns them. Their tasks are left assigned; releasing those is
// the orchestrator's call. threshold <= 0 selects the default.
func (r *Registry) CheckStale(threshold time.Duration) []*Worker {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var stale []*Worker
	for _, w := range r.workers {
		if w.Status == StatusOffline {
			continue
		}
		if now.Sub(w.LastActivity) > threshold {
			w.Status = StatusOffline
			stale = append(stale, w.clone())
			r.logger.WarnEvent().
				Str("worker", w.ID).
				Time("last_activity", w.LastActivity).
				Msg("Worker marked offline")
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}

// Workers returns copies of all registered workers, ordered by id.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes current registry state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, w := range r.workers {
		s.Total++
		s.Capacity += w.MaxTasks
		s.Load += len(w.CurrentTasks)
		switch w.Status {
		case StatusIdle:
			s.Idle++
		case StatusWorking:
			s.Working++
		case StatusOffline:
			s.Offline++
		}
	}
	return s
}
