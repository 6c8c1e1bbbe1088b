// Package descriptor defines the immutable, configured shape of a job: its
// identity, schedule, dependencies, and the invoker that does its work.
package descriptor

import (
	"context"
	"time"

	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/ledger"
)

// InvokeResult is one element of the lazy success sequence a JobInvoker
// produces. Exactly one of Success or Err is set; a non-nil Err always
// terminates the sequence (the channel is closed after it is sent).
type InvokeResult struct {
	Success time.Time
	Err     error
}

// JobInvoker is the uniform contract the scheduling core sees for every job
// body, regardless of what the job actually does. Implementations are
// constructed by the registry from configuration.
type JobInvoker interface {
	// Invoke runs the job. It returns a channel of InvokeResult: ordinary
	// jobs send exactly one success value and close the channel; backfill
	// jobs may send several, one per caught-up window. A returned error
	// (as opposed to one carried on the channel) means the job never
	// started doing any work at all.
	Invoke(ctx context.Context, prior *ledger.JobState) (<-chan InvokeResult, error)
}

// Descriptor is the immutable, configured specification of one job.
type Descriptor struct {
	AppName          string
	ClassIdentity    string
	FrequencySeconds int64
	TimeOfDay        *frequency.TimeOfDay
	DependsOn        []string
	IsBackfill       bool
	Invoke           JobInvoker
}

// Matches reports whether target identifies this descriptor, by app name or
// class identity.
func (d *Descriptor) Matches(target string) bool {
	return d.AppName == target || d.ClassIdentity == target
}
