// Package orchestrator composes the dependency resolver, ledger, and
// executor into the operator-facing commands: RunAll, RunOne, ResetJob,
// ListJobs, Nagios, AuditGhosts, and Configtest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/riverfield/crontabber/internal/depgraph"
	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/executor"
	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/metrics"
)

// Orchestrator holds the configured descriptor set and the shared ledger the
// commands operate against.
type Orchestrator struct {
	Descriptors []descriptor.Descriptor
	Store       ledger.Store
	Executor    *executor.Executor
}

// resolve returns the dependency-ordered descriptor list, failing fast on a
// missing dependency or a cycle.
func (o *Orchestrator) resolve() ([]descriptor.Descriptor, error) {
	return depgraph.Resolve(o.Descriptors)
}

func (o *Orchestrator) find(target string) (*descriptor.Descriptor, error) {
	for i := range o.Descriptors {
		if o.Descriptors[i].Matches(target) {
			return &o.Descriptors[i], nil
		}
	}
	return nil, &errs.JobNotFoundError{Target: target}
}

// RunAll resolves dependency order and runs every descriptor in turn,
// continuing past a per-job failure. It stops early only on a LedgerError or
// context cancellation, both of which are treated as fatal to the run.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	ordered, err := o.resolve()
	if err != nil {
		return err
	}
	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Executor.Run only ever returns a non-nil error for a ledger
		// failure; a failing job body is captured and recorded inside Run,
		// never propagated here, so RunAll keeps going past it.
		if _, err := o.Executor.Run(ctx, &ordered[i], false); err != nil {
			return err
		}
	}
	return nil
}

// RunOne resolves dependency order first, so a missing dependency or a cycle
// fails the command, then runs the one descriptor matching target.
func (o *Orchestrator) RunOne(ctx context.Context, target string, force bool) error {
	if _, err := o.resolve(); err != nil {
		return err
	}
	d, err := o.find(target)
	if err != nil {
		return err
	}
	_, err = o.Executor.Run(ctx, d, force)
	return err
}

// ResetJob deletes target's ledger row, erasing its run history. A missing
// ledger row is logged, not an error; a missing descriptor is.
func (o *Orchestrator) ResetJob(ctx context.Context, target string, warn func(string)) error {
	d, err := o.find(target)
	if err != nil {
		return err
	}
	exists, err := o.Store.Contains(ctx, d.AppName)
	if err != nil {
		return errs.NewLedgerError("contains", err)
	}
	if !exists {
		if warn != nil {
			warn(fmt.Sprintf("reset-job: no ledger row for %q", d.AppName))
		}
		return nil
	}
	if err := o.Store.Delete(ctx, d.AppName); err != nil {
		return errs.NewLedgerError("delete", err)
	}
	if names, err := o.Store.IterAppNames(ctx); err == nil {
		metrics.SetLedgerSize(len(names))
	}
	return nil
}

// ListJobs prints a human-readable block per descriptor, in dependency
// order. It only reads the ledger; it never mutates state.
func (o *Orchestrator) ListJobs(ctx context.Context, out io.Writer) error {
	ordered, err := o.resolve()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, d := range ordered {
		state, err := o.Store.Get(ctx, d.AppName)
		hasState := true
		if err != nil {
			var notFound *errs.StateNotFoundError
			if errors.As(err, &notFound) {
				hasState = false
			} else {
				return errs.NewLedgerError("get", err)
			}
		}

		fmt.Fprintf(out, "%s (%s)\n", d.AppName, d.ClassIdentity)
		freqLine := fmt.Sprintf("  frequency: %ds", d.FrequencySeconds)
		if d.TimeOfDay != nil {
			freqLine += fmt.Sprintf(" @ %02d:%02d", d.TimeOfDay.Hour, d.TimeOfDay.Minute)
		}
		fmt.Fprintln(out, freqLine)
		if !hasState {
			fmt.Fprintln(out, "  never run")
			continue
		}
		if state.HasOngoing() {
			fmt.Fprintf(out, "  ONGOING since %s\n", describeDelta(now, state.Ongoing))
		}
		fmt.Fprintf(out, "  last_run: %s\n", describeDelta(now, state.LastRun))
		if state.HasLastSuccess() {
			fmt.Fprintf(out, "  last_success: %s\n", describeDelta(now, state.LastSuccess))
		} else {
			fmt.Fprintln(out, "  last_success: never")
		}
		if state.HasNextRun() {
			fmt.Fprintf(out, "  next_run: %s\n", describeDelta(now, state.NextRun))
		}
		if !state.LastError.IsEmpty() {
			fmt.Fprintf(out, "  last_error: %s: %s\n%s\n", state.LastError.Type, state.LastError.Value, state.LastError.Traceback)
		}
	}
	return nil
}

func describeDelta(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if t.After(now) {
		return fmt.Sprintf("in %s (%s)", t.Sub(now).Round(time.Second), t.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s ago (%s)", now.Sub(t).Round(time.Second), t.Format(time.RFC3339))
}

// Nagios exit codes, matching the classic Nagios plugin convention.
const (
	NagiosOK       = 0
	NagiosWarning  = 1
	NagiosCritical = 2
)

// Nagios classifies every descriptor with a ledger row and ErrorCount > 0,
// printing a single-line summary and returning the plugin exit code.
// error_count == 1 on a backfill job is a WARNING; everything else with a
// nonzero error_count is CRITICAL. Any CRITICAL present forces exit 2
// regardless of how many WARNINGs accompany it.
func (o *Orchestrator) Nagios(ctx context.Context, out io.Writer) (int, error) {
	var criticals, warnings []string
	for _, d := range o.Descriptors {
		state, err := o.Store.Get(ctx, d.AppName)
		if err != nil {
			var notFound *errs.StateNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return NagiosCritical, errs.NewLedgerError("get", err)
		}
		if state.ErrorCount <= 0 {
			continue
		}
		msg := fmt.Sprintf("%s: %d consecutive failures (%s)", d.AppName, state.ErrorCount, state.LastError.Value)
		if state.ErrorCount == 1 && d.IsBackfill {
			warnings = append(warnings, msg)
		} else {
			criticals = append(criticals, msg)
		}
	}

	switch {
	case len(criticals) > 0:
		fmt.Fprintf(out, "CRITICAL - %s\n", joinSemicolons(criticals))
		return NagiosCritical, nil
	case len(warnings) > 0:
		fmt.Fprintf(out, "WARNING - %s\n", joinSemicolons(warnings))
		return NagiosWarning, nil
	default:
		fmt.Fprintln(out, "OK - All systems nominal")
		return NagiosOK, nil
	}
}

func joinSemicolons(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

// AuditGhosts prints every ledger app_name with no corresponding configured
// descriptor.
func (o *Orchestrator) AuditGhosts(ctx context.Context, out io.Writer) error {
	configured := make(map[string]bool, len(o.Descriptors))
	for _, d := range o.Descriptors {
		configured[d.AppName] = true
	}
	names, err := o.Store.IterAppNames(ctx)
	if err != nil {
		return errs.NewLedgerError("iter", err)
	}
	ghosts := make([]string, 0)
	for _, name := range names {
		if !configured[name] {
			ghosts = append(ghosts, name)
		}
	}
	sort.Strings(ghosts)
	for _, g := range ghosts {
		fmt.Fprintln(out, g)
	}
	return nil
}

// Configtest validates every descriptor's frequency/time-of-day combination
// and reports every failure it finds (it does not stop at the first one).
func (o *Orchestrator) Configtest(out io.Writer) error {
	var failed bool
	for _, d := range o.Descriptors {
		if err := frequency.Validate(d.FrequencySeconds, d.TimeOfDay); err != nil {
			fmt.Fprintf(out, "%s: %v\n", d.AppName, err)
			failed = true
		}
	}
	if err := depgraph.CheckAcyclic(o.Descriptors); err != nil {
		fmt.Fprintln(out, err)
		failed = true
	}
	if failed {
		return errors.New("configtest failed")
	}
	return nil
}
