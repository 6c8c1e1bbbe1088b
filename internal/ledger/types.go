// Package ledger implements the durable app_name -> JobState mapping: the
// state ledger described by the scheduling engine. It is backed by a
// pluggable SQL Store (SQLite or PostgreSQL) selected by DSN.
package ledger

import "time"

// LastError is the structured {type, value, traceback} recorded after a
// failed run. It is empty (zero value) after a successful run.
type LastError struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// IsEmpty reports whether no error is recorded.
func (e LastError) IsEmpty() bool { return e.Type == "" && e.Value == "" && e.Traceback == "" }

// JobState is one row of the ledger, keyed by app_name.
type JobState struct {
	AppName     string
	NextRun     time.Time
	FirstRun    time.Time
	LastRun     time.Time
	LastSuccess time.Time
	DependsOn   []string
	ErrorCount  int
	LastError   LastError
	Ongoing     time.Time
}

// HasOngoing reports whether a run is currently marked in-flight.
func (s JobState) HasOngoing() bool { return !s.Ongoing.IsZero() }

// HasLastSuccess reports whether the job has ever completed successfully.
func (s JobState) HasLastSuccess() bool { return !s.LastSuccess.IsZero() }

// HasNextRun reports whether next_run has been computed at least once.
func (s JobState) HasNextRun() bool { return !s.NextRun.IsZero() }
