// Package executor runs one job to completion: it decides whether to skip,
// marks the job ongoing, drains its invoker's success sequence, and always
// finalizes ledger state — the single most important correctness surface in
// the scheduling engine (a missed finalization leaves a job's ledger row
// permanently wrong).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/metrics"
	"github.com/riverfield/crontabber/internal/runlog"
	"github.com/riverfield/crontabber/internal/scheduler"
	"github.com/riverfield/crontabber/internal/telemetry"
)

// Outcome classifies how a Run call finished, for the caller's own logging
// and for Prometheus's outcome label.
type Outcome string

const (
	Skipped Outcome = metrics.OutcomeSkipped
	Success Outcome = metrics.OutcomeSuccess
	Failure Outcome = metrics.OutcomeFailure
)

// Executor runs descriptors against a shared ledger, run log, and optional
// telemetry reporter.
type Executor struct {
	Store             ledger.Store
	RunLog            *runlog.Log
	Telemetry         *telemetry.Reporter
	Log               *slog.Logger
	ErrorRetrySeconds int64
}

// Run executes one descriptor. Unless force is set, it first checks
// TimeToRun and CheckDependencies and returns Skipped without touching the
// ledger if either fails. Errors returned are always LedgerError: a job
// body's own failure is wrapped in a JobExecutionError, recorded in the
// ledger/log/telemetry, and never returned here, so that RunAll can
// continue with the next descriptor.
func (e *Executor) Run(ctx context.Context, d *descriptor.Descriptor, force bool) (Outcome, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	if !force {
		prior, err := e.loadState(ctx, d.AppName)
		if err != nil {
			return Skipped, err
		}
		if !scheduler.TimeToRun(d, prior) {
			log.Debug("skipping job, not yet due", "app_name", d.AppName)
			metrics.RecordRun(d.AppName, string(Skipped), 0)
			return Skipped, nil
		}
		ok, reason, err := scheduler.CheckDependencies(ctx, d, e.Store)
		if err != nil {
			return Skipped, errs.NewLedgerError("check dependencies", err)
		}
		if !ok {
			log.Info("skipping job, dependency not satisfied", "app_name", d.AppName, "reason", reason)
			metrics.RecordRun(d.AppName, string(Skipped), 0)
			return Skipped, nil
		}
	}

	nowWall := scheduler.Now()
	if err := e.setOngoing(ctx, d, nowWall); err != nil {
		return Skipped, err
	}

	var lastSuccessObserved time.Time
	var runErr error
	var failureLogged bool
	t0 := time.Now()

	func() {
		defer func() {
			if p := recover(); p != nil {
				runErr = &recoveredPanic{value: p, traceback: string(debug.Stack())}
			}
		}()

		prior, _ := e.loadState(ctx, d.AppName)
		ch, err := d.Invoke.Invoke(ctx, prior)
		if err != nil {
			runErr = err
			return
		}
		for result := range ch {
			t1 := time.Now()
			duration := t1.Sub(t0)
			if result.Err != nil {
				runErr = result.Err
				if logErr := e.logFailure(ctx, d.AppName, duration, result.Err); logErr != nil {
					log.Error("failed to append run log failure row", "app_name", d.AppName, "error", logErr)
				}
				failureLogged = true
				return
			}
			if logErr := e.logSuccess(ctx, d.AppName, result.Success, duration); logErr != nil {
				log.Error("failed to append run log success row", "app_name", d.AppName, "error", logErr)
			}
			lastSuccessObserved = result.Success
			t0 = time.Now()
		}
	}()

	outcome := Success
	var jobErr *errs.JobExecutionError
	if runErr != nil {
		outcome = Failure
		excType, excValue, excTrace := classify(runErr)
		jobErr = errs.NewJobExecutionError(d.AppName, excType, excValue, excTrace, runErr)
		log.Error("job failed", "app_name", d.AppName, "error", jobErr)
		if !failureLogged {
			duration := time.Since(t0)
			if logErr := e.logFailure(ctx, d.AppName, duration, runErr); logErr != nil {
				log.Error("failed to append run log failure row", "app_name", d.AppName, "error", logErr)
			}
		}
	}

	if err := e.finalize(ctx, d, nowWall, lastSuccessObserved, jobErr); err != nil {
		return outcome, err
	}

	if jobErr != nil && e.Telemetry != nil {
		e.Telemetry.Report(ctx, log, d.AppName, jobErr)
	}

	metrics.RecordRun(d.AppName, string(outcome), time.Since(t0).Seconds())
	return outcome, nil
}

func (e *Executor) logSuccess(ctx context.Context, appName string, successTime time.Time, duration time.Duration) error {
	if e.RunLog == nil {
		return nil
	}
	return e.RunLog.LogSuccess(ctx, appName, successTime, duration)
}

func (e *Executor) logFailure(ctx context.Context, appName string, duration time.Duration, jobErr error) error {
	if e.RunLog == nil {
		return nil
	}
	excType, excValue, excTrace := classify(jobErr)
	return e.RunLog.LogFailure(ctx, appName, duration, excType, excValue, excTrace)
}

// recoveredPanic wraps a value recovered from a panicking Invoke call,
// carrying the stack captured at the recovery site.
type recoveredPanic struct {
	value     any
	traceback string
}

func (p *recoveredPanic) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// classify renders a Go error as the exc_type/exc_value/exc_traceback
// triple stored in the ledger and run log: exc_type is the dynamic Go type
// name, exc_value is the error's message, exc_traceback is a captured stack
// (only populated for recovered panics; plain returned errors carry none).
func classify(err error) (excType, excValue, excTraceback string) {
	excValue = err.Error()
	var rp *recoveredPanic
	if errors.As(err, &rp) {
		excType = fmt.Sprintf("%T", rp.value)
		excTraceback = rp.traceback
		return excType, excValue, excTraceback
	}
	excType = fmt.Sprintf("%T", err)
	return excType, excValue, excTraceback
}

func (e *Executor) loadState(ctx context.Context, appName string) (*ledger.JobState, error) {
	state, err := e.Store.Get(ctx, appName)
	if err != nil {
		var notFound *errs.StateNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, errs.NewLedgerError("get", err)
	}
	return &state, nil
}

// setOngoing marks the job in-flight in its own small transaction, distinct
// from the larger finalize transaction, so external listers can observe a
// long-running job via Ongoing.
func (e *Executor) setOngoing(ctx context.Context, d *descriptor.Descriptor, nowWall time.Time) error {
	state, err := e.loadState(ctx, d.AppName)
	if err != nil {
		return err
	}
	if state == nil {
		state = &ledger.JobState{AppName: d.AppName, DependsOn: d.DependsOn}
	}
	state.Ongoing = nowWall
	if err := e.Store.Set(ctx, *state); err != nil {
		return errs.NewLedgerError("set ongoing", err)
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, d *descriptor.Descriptor, nowWall, lastSuccessObserved time.Time, jobErr *errs.JobExecutionError) error {
	state, err := e.loadState(ctx, d.AppName)
	if err != nil {
		return err
	}
	if state == nil {
		state = &ledger.JobState{AppName: d.AppName}
	}

	state.DependsOn = d.DependsOn
	if state.FirstRun.IsZero() {
		state.FirstRun = nowWall
	}
	state.LastRun = nowWall
	if !lastSuccessObserved.IsZero() {
		state.LastSuccess = lastSuccessObserved
	}

	failed := jobErr != nil
	state.NextRun = scheduler.ComputeNextRun(nowWall, d.FrequencySeconds, d.TimeOfDay, failed, e.ErrorRetrySeconds)

	if failed {
		state.LastError = ledger.LastError{Type: jobErr.Type, Value: jobErr.Value, Traceback: jobErr.Traceback}
		state.ErrorCount++
	} else {
		state.LastError = ledger.LastError{}
		state.ErrorCount = 0
	}
	state.Ongoing = time.Time{}

	if err := e.Store.Set(ctx, *state); err != nil {
		return errs.NewLedgerError("finalize", err)
	}
	metrics.SetErrorCount(d.AppName, state.ErrorCount)
	return nil
}
