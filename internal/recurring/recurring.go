// Package recurring is an additive, ledger-independent trigger: a plain
// "@every"/standard 5-field cron expression scheduler for operators who
// want a fire-and-forget periodic hook (cache warms, connection pool pings)
// without the core engine's dependency graph or nagios health reporting. It
// never touches the state ledger.
package recurring

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/ledger"
)

// Trigger is one registry-built invoker fired on a cron schedule.
type Trigger struct {
	Name     string
	Schedule string // "@every 5m" or a standard 5-field cron expression
	Invoker  descriptor.JobInvoker
}

// Scheduler runs a set of Triggers on robfig/cron's parser and dispatcher.
type Scheduler struct {
	log *slog.Logger
	cr  *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New builds a Scheduler. log may be nil, in which case slog.Default() is
// used for per-trigger error reporting.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log,
		cr:      cron.New(),
		running: make(map[string]bool),
	}
}

// Add registers one trigger. It returns an error if the schedule cannot be
// parsed by robfig/cron (which accepts both "@every <duration>" and standard
// 5-field expressions).
func (s *Scheduler) Add(t Trigger) error {
	if t.Name == "" {
		return errors.New("recurring trigger requires a name")
	}
	if t.Invoker == nil {
		return errors.New("recurring trigger requires an invoker")
	}
	_, err := s.cr.AddFunc(t.Schedule, func() { s.fire(t) })
	return err
}

// fire invokes t.Invoker once, skipping the tick if the previous firing of
// the same trigger is still in flight.
func (s *Scheduler) fire(t Trigger) {
	s.mu.Lock()
	if s.running[t.Name] {
		s.mu.Unlock()
		s.log.Debug("recurring trigger still running, skipping tick", "name", t.Name)
		return
	}
	s.running[t.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, t.Name)
		s.mu.Unlock()
		if p := recover(); p != nil {
			s.log.Error("recurring trigger panicked", "name", t.Name, "panic", p)
		}
	}()

	ch, err := t.Invoker.Invoke(context.Background(), (*ledger.JobState)(nil))
	if err != nil {
		s.log.Error("recurring trigger failed", "name", t.Name, "error", err)
		return
	}
	for result := range ch {
		if result.Err != nil {
			s.log.Error("recurring trigger failed", "name", t.Name, "error", result.Err)
		}
	}
}

// Start begins firing triggers in the background. Call Stop to halt.
func (s *Scheduler) Start() { s.cr.Start() }

// Stop halts the scheduler without waiting; the returned context is done
// once any in-flight firing has returned.
func (s *Scheduler) Stop() context.Context { return s.cr.Stop() }
