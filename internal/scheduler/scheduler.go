// Package scheduler runs the periodic maintenance sweeps: expired
// lock reclamation and stale worker detection. Jobs are driven by cron
// expressions so operators can tune sweep cadence from config.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/marcus/foreman/internal/logging"
)

// Scheduler wraps a cron runner with structured logging.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
}

// New creates a stopped scheduler. Call Start to begin dispatching.
func New() *Scheduler {
	s := &Scheduler{
		logger: logging.Component("scheduler"),
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
	))
	return s
}

// AddCron registers a recurring job under a standard 5-field cron
// expression.
func (s *Scheduler) AddCron(expr string, name string, job func()) error {
	_, err := s.cron.AddFunc(expr, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("scheduling %s with %q: %w", name, expr, err)
	}
	return nil
}

func (s *Scheduler) wrap(name string, job func()) func() {
	return func() {
		s.logger.Debugf("Running scheduled job %s", name)
		job()
	}
}

// Start begins dispatching jobs in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatching and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronLogger adapts our logger to cron's Logger interface for panic
// recovery output.
type cronLogger struct {
	logger *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Infof("%s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Err(err).Msgf("%s %v", msg, keysAndValues)
}
