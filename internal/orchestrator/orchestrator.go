// Package orchestrator owns the task queue, the dependency graph, and
// the claim/start/complete lifecycle. Before granting a claim it
// consults the lock manager for file conflicts and the worker registry
// for capacity, treating the whole check-then-act sequence as a single
// critical section so two workers cannot both win overlapping files.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/clock"
	"github.com/marcus/foreman/internal/locks"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/registry"
)

// Sentinel errors for misuse, as opposed to ordinary contention which
// is reported through ClaimResult.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskExists     = errors.New("task already exists")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrNotAssignee    = errors.New("worker does not hold this task")
)

// ClaimResult reports the outcome of a claim attempt. Contention is an
// expected outcome: Claimed is false and Reason says what stood in the
// way, with Conflicts carrying the blocking locks when files collided.
type ClaimResult struct {
	Claimed   bool
	Task      *Task
	Conflicts []locks.FileLock
	Reason    string
}

// Journal records lifecycle transitions for audit. Implementations
// must be safe for concurrent use. A journal failure never blocks a
// transition; it is logged and dropped.
type Journal interface {
	RecordTransition(taskID string, from, to Status, workerID, reason string, at time.Time) error
}

// Stats summarizes queue state for operational monitoring.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Orchestrator is the sole writer of task state. It consumes the lock
// manager and worker registry read-mostly: lock acquisition and worker
// slot reservation happen inside the claim critical section, with full
// rollback on partial failure.
type Orchestrator struct {
	mu           sync.Mutex
	locks        *locks.Manager
	registry     *registry.Registry
	clock        clock.Clock
	logger       *logging.Logger
	journal      Journal
	eventHandler EventHandler

	tasks   map[string]*Task
	pending []string // task ids in priority-then-age order
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithJournal sets the transition journal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithEventHandler sets an optional callback for lifecycle events.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.eventHandler = h
	}
}

// New creates an orchestrator backed by the given lock manager and
// worker registry.
func New(lm *locks.Manager, reg *registry.Registry, opts ...Option) (*Orchestrator, error) {
	if lm == nil || reg == nil {
		return nil, fmt.Errorf("lock manager and registry are required")
	}
	o := &Orchestrator{
		locks:    lm,
		registry: reg,
		clock:    clock.Real{},
		logger:   logging.Component("orchestrator"),
		tasks:    make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) emit(e Event) {
	if o.eventHandler != nil {
		e.Time = o.clock.Now()
		o.eventHandler(e)
	}
}

func (o *Orchestrator) record(t *Task, from Status, reason string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordTransition(t.ID, from, t.Status, t.AssignedWorker, reason, o.clock.Now()); err != nil {
		o.logger.Err(err).Str("task", t.ID).Msg("Failed to journal transition")
	}
}

// AddTask validates and enqueues a task as pending. Dependencies may
// reference tasks not yet submitted; they simply gate availability
// until they exist and complete.
func (o *Orchestrator) AddTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}
	if err := t.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrTaskExists)
	}

	stored := t.clone()
	stored.Status = StatusPending
	stored.AssignedWorker = ""
	stored.ClaimedAt, stored.StartedAt, stored.CompletedAt = nil, nil, nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = o.clock.Now()
	}
	o.tasks[stored.ID] = stored
	o.enqueue(stored.ID)

	o.logger.InfoEvent().
		Str("task", stored.ID).
		Str("kind", string(stored.Kind)).
		Int("priority", stored.Priority).
		Int("files", len(stored.Files)).
		Msg("Task added")
	o.record(stored, "", "submitted")
	o.emit(Event{Type: EventTaskAdded, TaskID: stored.ID, TaskName: stored.Title, To: StatusPending})
	return nil
}

// enqueue inserts id into the pending queue keeping priority-then-age
// order. Caller holds o.mu.
func (o *Orchestrator) enqueue(id string) {
	o.pending = append(o.pending, id)
	sort.SliceStable(o.pending, func(i, j int) bool {
		a, b := o.tasks[o.pending[i]], o.tasks[o.pending[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// dequeue removes id from the pending queue. Caller holds o.mu.
func (o *Orchestrator) dequeue(id string) {
	for i, pid := range o.pending {
		if pid == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

// depsSatisfied reports whether every dependency of t is completed.
// Caller holds o.mu.
func (o *Orchestrator) depsSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := o.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func hasSkills(workerSkills, required []string) bool {
	for _, req := range required {
		found := false
		for _, s := range workerSkills {
			if s == req {
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

// AvailableTasks lists the pending tasks a worker with the given
// skills could claim right now: dependencies completed and required
// skills covered. Read-only; ordered by priority then age. Two callers
// may both see the same task and race to claim it; exactly one wins.
func (o *Orchestrator) AvailableTasks(workerSkills []string) []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*Task
	for _, id := range o.pending {
		t := o.tasks[id]
		if !o.depsSatisfied(t) {
			continue
		}
		if !hasSkills(workerSkills, t.RequiredSkills) {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// Claim attempts to reserve a pending task for a worker. The conflict
// check, lock acquisition, worker slot reservation, and status flip
// run as one critical section; any failure unwinds the earlier steps
// so the task is never left claimed-but-unlocked or locked-but-pending.
// Contention (file conflict, worker at capacity) comes back as an
// unclaimed result; misuse and persistence failures come back as errors.
func (o *Orchestrator) Claim(workerID, taskID string) (*ClaimResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", taskID, ErrTaskNotFound)
	}
	if !CanTransition(t.Status, StatusClaimed) {
		return nil, &InvalidTransitionError{TaskID: taskID, From: t.Status, To: StatusClaimed}
	}
	w, ok := o.registry.Get(workerID)
	if !ok {
		return nil, fmt.Errorf("claim %s: worker %s: %w", taskID, workerID, ErrWorkerNotFound)
	}

	if !o.depsSatisfied(t) {
		return &ClaimResult{Reason: "dependencies not completed"}, nil
	}
	if !hasSkills(w.Skills, t.RequiredSkills) {
		return &ClaimResult{Reason: "missing required skills"}, nil
	}

	if len(t.Files) > 0 {
		res, err := o.locks.Acquire(taskID, workerID, t.Files)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", taskID, err)
		}
		if !res.Acquired {
			owner := res.Conflicts[0].TaskID
			o.logger.Debugf("Claim of %s by %s blocked by task %s", taskID, workerID, owner)
			return &ClaimResult{
				Conflicts: res.Conflicts,
				Reason:    fmt.Sprintf("files locked by task %s", owner),
			}, nil
		}
	}

	if !o.registry.AssignTask(workerID, taskID) {
		// Unwind the locks we just took.
		if len(t.Files) > 0 {
			if err := o.locks.Release(taskID); err != nil {
				o.logger.Err(err).Str("task", taskID).Msg("Failed to release locks after capacity refusal")
			}
		}
		return &ClaimResult{Reason: "worker at capacity"}, nil
	}

	now := o.clock.Now()
	t.Status = StatusClaimed
	t.AssignedWorker = workerID
	t.ClaimedAt = &now
	o.dequeue(taskID)

	o.logger.InfoEvent().
		Str("task", taskID).
		Str("worker", workerID).
		Msg("Task claimed")
	o.record(t, StatusPending, "claimed")
	o.emit(Event{Type: EventTaskClaimed, TaskID: taskID, TaskName: t.Title, WorkerID: workerID, From: StatusPending, To: StatusClaimed})
	return &ClaimResult{Claimed: true, Task: t.clone()}, nil
}

// Start moves a claimed task to in_progress. Only the assignee may
// start it.
func (o *Orchestrator) Start(workerID, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("start %s: %w", taskID, ErrTaskNotFound)
	}
	if !CanTransition(t.Status, StatusInProgress) {
		return &InvalidTransitionError{TaskID: taskID, From: t.Status, To: StatusInProgress}
	}
	if t.AssignedWorker != workerID {
		return fmt.Errorf("start %s: worker %s: %w", taskID, workerID, ErrNotAssignee)
	}

	now := o.clock.Now()
	t.Status = StatusInProgress
	t.StartedAt = &now

	o.logger.InfoEvent().Str("task", taskID).Str("worker", workerID).Msg("Task started")
	o.record(t, StatusClaimed, "started")
	o.emit(Event{Type: EventTaskStarted, TaskID: taskID, TaskName: t.Title, WorkerID: workerID, From: StatusClaimed, To: StatusInProgress})
	return nil
}

// Complete finishes an in_progress task, releasing its file locks and
// the worker's slot. The terminal record stays in the store so later
// tasks can gate on it. success selects completed versus failed.
func (o *Orchestrator) Complete(taskID string, success bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
	}
	to := StatusCompleted
	if !success {
		to = StatusFailed
	}
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{TaskID: taskID, From: t.Status, To: to}
	}

	if err := o.locks.Release(taskID); err != nil {
		o.logger.Err(err).Str("task", taskID).Msg("Failed to release locks on completion")
	}
	if t.AssignedWorker != "" {
		o.registry.UnassignTask(t.AssignedWorker, taskID)
	}

	from := t.Status
	worker := t.AssignedWorker
	now := o.clock.Now()
	t.Status = to
	t.AssignedWorker = ""
	t.CompletedAt = &now

	evType := EventTaskCompleted
	if !success {
		evType = EventTaskFailed
	}
	o.logger.InfoEvent().
		Str("task", taskID).
		Str("worker", worker).
		Bool("success", success).
		Msg("Task finished")
	o.record(t, from, string(to))
	o.emit(Event{Type: evType, TaskID: taskID, TaskName: t.Title, WorkerID: worker, From: from, To: to})
	return nil
}

// Release reverts a claimed or in_progress task to pending, clearing
// its assignment and file locks so it becomes claimable again. Used
// for stale-worker recovery and voluntary hand-back.
func (o *Orchestrator) Release(taskID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.releaseLocked(taskID, reason)
}

// releaseLocked is Release without the lock. Caller holds o.mu.
func (o *Orchestrator) releaseLocked(taskID, reason string) error {
	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("release %s: %w", taskID, ErrTaskNotFound)
	}
	if !CanTransition(t.Status, StatusPending) {
		return &InvalidTransitionError{TaskID: taskID, From: t.Status, To: StatusPending}
	}

	if err := o.locks.Release(taskID); err != nil {
		o.logger.Err(err).Str("task", taskID).Msg("Failed to release locks")
	}
	if t.AssignedWorker != "" {
		o.registry.UnassignTask(t.AssignedWorker, taskID)
	}

	from := t.Status
	worker := t.AssignedWorker
	t.Status = StatusPending
	t.AssignedWorker = ""
	t.ClaimedAt = nil
	t.StartedAt = nil
	o.enqueue(taskID)

	o.logger.WarnEvent().
		Str("task", taskID).
		Str("worker", worker).
		Str("reason", reason).
		Msg("Task released back to queue")
	o.record(t, from, reason)
	o.emit(Event{Type: EventTaskReleased, TaskID: taskID, TaskName: t.Title, WorkerID: worker, From: from, To: StatusPending, Reason: reason})
	return nil
}

// ReleaseWorkerTasks releases every claimed or in_progress task held
// by the given worker and returns the released task ids. Used when a
// worker goes offline.
func (o *Orchestrator) ReleaseWorkerTasks(workerID, reason string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for id, t := range o.tasks {
		if t.AssignedWorker == workerID && CanTransition(t.Status, StatusPending) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := o.releaseLocked(id, reason); err != nil {
			o.logger.Err(err).Str("task", id).Msg("Failed to release stale worker task")
		}
	}
	return ids
}

// Get returns a copy of the task record, if known.
func (o *Orchestrator) Get(taskID string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks, pending first in queue order,
// then the rest by id.
func (o *Orchestrator) Tasks() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Task, 0, len(o.tasks))
	seen := make(map[string]bool, len(o.pending))
	for _, id := range o.pending {
		out = append(out, o.tasks[id].clone())
		seen[id] = true
	}
	var rest []string
	for id := range o.tasks {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, o.tasks[id].clone())
	}
	return out
}

// Stats summarizes current queue state.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	for _, t := range o.tasks {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusClaimed:
			s.Claimed++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
