package scheduler

import (
	"fmt"
	"time"

	"github.com/marcus/foreman/internal/locks"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/orchestrator"
	"github.com/marcus/foreman/internal/registry"
)

// WorkerEventRecorder persists worker liveness events for audit.
type WorkerEventRecorder interface {
	RecordWorkerEvent(workerID, event, detail string, at time.Time) error
}

// Maintenance is the periodic sweep tying the three cores together:
// reclaim expired locks, mark silent workers offline, and hand their
// tasks back to the queue.
type Maintenance struct {
	Locks          *locks.Manager
	Registry       *registry.Registry
	Orchestrator   *orchestrator.Orchestrator
	StaleThreshold time.Duration
	Events         WorkerEventRecorder // optional

	logger *logging.Logger
}

// NewMaintenance wires a sweep over the given components.
func NewMaintenance(lm *locks.Manager, reg *registry.Registry, o *orchestrator.Orchestrator, staleThreshold time.Duration) *Maintenance {
	return &Maintenance{
		Locks:          lm,
		Registry:       reg,
		Orchestrator:   o,
		StaleThreshold: staleThreshold,
		logger:         logging.Component("maintenance"),
	}
}

// Run executes one sweep. Safe to call concurrently with live claims;
// each step takes the owning component's lock internally.
func (m *Maintenance) Run() {
	reclaimed := m.Locks.CleanupExpired()
	if reclaimed > 0 {
		m.logger.InfoEvent().Int("count", reclaimed).Msg("Reclaimed expired locks")
	}

	stale := m.Registry.CheckStale(m.StaleThreshold)
	for _, w := range stale {
		released := m.Orchestrator.ReleaseWorkerTasks(w.ID, "worker offline")
		m.logger.WarnEvent().
			Str("worker", w.ID).
			Int("released", len(released)).
			Msg("Recovered tasks from offline worker")
		if m.Events != nil {
			detail := fmt.Sprintf("released %d tasks", len(released))
			if err := m.Events.RecordWorkerEvent(w.ID, "offline", detail, time.Now()); err != nil {
				m.logger.Err(err).Str("worker", w.ID).Msg("Failed to record worker event")
			}
		}
	}
}
