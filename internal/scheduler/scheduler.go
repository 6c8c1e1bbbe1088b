// Package scheduler holds the pure decision predicates that drive the
// ledger-based scheduling loop: whether a job is due, whether its
// dependencies are satisfied, and when it should run next.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/ledger"
)

// Now is overridable in tests; production code always calls time.Now().UTC().
var Now = func() time.Time { return time.Now().UTC() }

// TimeToRun reports whether descriptor is due to run, given its current
// ledger state (nil if no row exists yet).
func TimeToRun(d *descriptor.Descriptor, state *ledger.JobState) bool {
	if state == nil {
		if d.TimeOfDay != nil {
			slot := todayAt(Now(), *d.TimeOfDay)
			return !Now().Before(slot)
		}
		return true
	}
	return !Now().Before(state.NextRun)
}

// CheckDependencies looks up each of descriptor's dependencies in store and
// reports whether all are satisfied, along with a human-readable reason
// when they are not. An empty dependency list is always ok.
func CheckDependencies(ctx context.Context, d *descriptor.Descriptor, store ledger.Store) (bool, string, error) {
	now := Now()
	for _, dep := range d.DependsOn {
		state, err := store.Get(ctx, dep)
		if err != nil {
			var notFound *errs.StateNotFoundError
			if errors.As(err, &notFound) {
				return false, "dep hasn't been run yet", nil
			}
			return false, "", err
		}
		if !state.LastError.IsEmpty() {
			return false, "dep errored last time", nil
		}
		// A zero NextRun (a row that was marked ongoing but never finalized)
		// is always before now, so such a dependency also fails this check.
		if state.NextRun.Before(now) {
			return false, "dep hasn't recently run", nil
		}
	}
	return true, "", nil
}

// ComputeNextRun derives the next scheduled run time from the last run.
func ComputeNextRun(lastRun time.Time, frequencySeconds int64, timeOfDay *frequency.TimeOfDay, failed bool, errorRetrySeconds int64) time.Time {
	if failed {
		return lastRun.Add(time.Duration(errorRetrySeconds) * time.Second)
	}
	base := lastRun.Add(time.Duration(frequencySeconds) * time.Second)
	if timeOfDay != nil {
		return time.Date(base.Year(), base.Month(), base.Day(), timeOfDay.Hour, timeOfDay.Minute, 0, 0, base.Location())
	}
	return base
}

func todayAt(now time.Time, tod frequency.TimeOfDay) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), tod.Hour, tod.Minute, 0, 0, now.Location())
}
