package orchestrator

import "time"

// EventType classifies orchestrator lifecycle events.
type EventType int

const (
	EventTaskAdded     EventType = iota // task entered the queue
	EventTaskClaimed                    // worker won a claim
	EventTaskStarted                    // claimed task began execution
	EventTaskCompleted                  // task finished successfully
	EventTaskFailed                     // task finished unsuccessfully
	EventTaskReleased                   // task reverted to pending
)

// Event carries data about one task lifecycle transition.
type Event struct {
	Type     EventType
	Time     time.Time
	TaskID   string
	TaskName string
	WorkerID string
	From     Status
	To       Status
	Reason   string // for EventTaskReleased: why the task went back
}

// EventHandler is a callback that receives orchestrator events. Called
// synchronously while the orchestrator lock is held, so handlers must
// not call back into the orchestrator.
type EventHandler func(Event)
