package orchestrator

import (
	"fmt"
	"time"
)

// Kind categorizes the deliverable a task produces.
type Kind string

const (
	KindIssue          Kind = "issue"
	KindChangeProposal Kind = "change-proposal"
	KindRefactor       Kind = "refactor"
	KindTest           Kind = "test"
	KindDoc            Kind = "doc"
)

// ValidKind reports whether k is a recognized task kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindIssue, KindChangeProposal, KindRefactor, KindTest, KindDoc:
		return true
	}
	return false
}

// Status is a task's position in the claim/complete lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions is the full lifecycle state machine. Anything not
// listed here is an illegal transition.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusClaimed},
	StatusClaimed:    {StatusInProgress, StatusPending},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from one status to the other is
// a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InvalidTransitionError reports an out-of-order lifecycle operation.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition from %s to %s", e.TaskID, e.From, e.To)
}

// Priority bounds. 1 is most urgent.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Task is one unit of work flowing through the orchestrator.
type Task struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       int        `json:"priority"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	RequiredSkills []string   `json:"required_skills,omitempty"`
	Files          []string   `json:"files,omitempty"`
	Status         Status     `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	c.Files = append([]string(nil), t.Files...)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Validate checks the fields a caller controls at submission time.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	if !ValidKind(t.Kind) {
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}
	if t.Priority < PriorityHighest || t.Priority > PriorityLowest {
		return fmt.Errorf("task %s: priority %d out of range [%d,%d]", t.ID, t.Priority, PriorityHighest, PriorityLowest)
	}
	return nil
}
