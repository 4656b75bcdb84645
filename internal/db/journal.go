package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/foreman/internal/orchestrator"
)

// Transition is one recorded task lifecycle step.
type Transition struct {
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkerEvent is one recorded registry event (registered, offline, ...).
type WorkerEvent struct {
	WorkerID   string    `json:"worker_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Journal persists lifecycle history. It satisfies orchestrator.Journal.
type Journal struct {
	db *DB
}

// NewJournal creates a journal writing to the given database.
func NewJournal(database *DB) *Journal {
	return &Journal{db: database}
}

// RecordTransition appends one task transition row.
func (j *Journal) RecordTransition(taskID string, from, to orchestrator.Status, workerID, reason string, at time.Time) error {
	_, err := j.db.sql.Exec(
		`INSERT INTO task_transitions (task_id, from_status, to_status, worker_id, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, string(from), string(to), workerID, reason, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording transition for %s: %w", taskID, err)
	}
	return nil
}

// RecordWorkerEvent appends one worker event row.
func (j *Journal) RecordWorkerEvent(workerID, event, detail string, at time.Time) error {
	_, err := j.db.sql.Exec(
		`INSERT INTO worker_events (worker_id, event, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		workerID, event, detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording worker event for %s: %w", workerID, err)
	}
	return nil
}

// TransitionsForTask returns a task's history, oldest first.
func (j *Journal) TransitionsForTask(taskID string) ([]Transition, error) {
	rows, err := j.db.sql.Query(
		`SELECT task_id, from_status, to_status, worker_id, reason, occurred_at
		 FROM task_transitions WHERE task_id = ? ORDER BY occurred_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions for %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// RecentTransitions returns the latest transitions across all tasks,
// newest first, capped at limit.
func (j *Journal) RecentTransitions(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.sql.Query(
		`SELECT task_id, from_status, to_status, worker_id, reason, occurred_at
		 FROM task_transitions ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.WorkerID, &tr.Reason, &tr.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
