// Package errs holds the error taxonomy shared by every engine package.
//
// Each type corresponds to one operator-visible failure mode. Callers should
// use errors.As to recover a specific type rather than compare strings.
package errs

import "fmt"

// JobNotFoundError is returned when an operator references a job that isn't
// configured (by app_name or class_identity).
type JobNotFoundError struct {
	Target string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %q", e.Target)
}

// JobDescriptionError marks a malformed job entry in the configuration.
type JobDescriptionError struct {
	AppName string
	Reason  string
}

func (e *JobDescriptionError) Error() string {
	return fmt.Sprintf("job description %q: %s", e.AppName, e.Reason)
}

// FrequencyDefinitionError marks a bad or inconsistent frequency string, or a
// sub-daily frequency combined with a fixed time of day.
type FrequencyDefinitionError struct {
	Input  string
	Reason string
}

func (e *FrequencyDefinitionError) Error() string {
	return fmt.Sprintf("invalid frequency %q: %s", e.Input, e.Reason)
}

// TimeDefinitionError marks a bad HH:MM time-of-day string.
type TimeDefinitionError struct {
	Input  string
	Reason string
}

func (e *TimeDefinitionError) Error() string {
	return fmt.Sprintf("invalid time of day %q: %s", e.Input, e.Reason)
}

// MissingDependencyError is raised by the dependency resolver when a
// descriptor names a dependency with no matching descriptor.
type MissingDependencyError struct {
	AppName string
	DepName string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%q depends on %q, which is not configured", e.AppName, e.DepName)
}

// CyclicDependencyError is raised by the dependency resolver when the
// dependency graph contains a cycle.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected among: %v", e.Cycle)
}

// StateNotFoundError signals a ledger lookup miss. Predicates treat it as
// "absent"; ResetJob translates it to JobNotFoundError.
type StateNotFoundError struct {
	AppName string
}

func (e *StateNotFoundError) Error() string {
	return fmt.Sprintf("no ledger state for %q", e.AppName)
}

// JobExecutionError wraps an error or recovered panic escaping a job's
// Invoke call. It is always captured and recorded, never propagated past
// the per-job execution boundary.
type JobExecutionError struct {
	AppName    string
	Type       string
	Value      string
	Traceback  string
	underlying error
}

func NewJobExecutionError(appName, excType, excValue, traceback string, underlying error) *JobExecutionError {
	return &JobExecutionError{AppName: appName, Type: excType, Value: excValue, Traceback: traceback, underlying: underlying}
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %q failed: %s: %s", e.AppName, e.Type, e.Value)
}

func (e *JobExecutionError) Unwrap() error { return e.underlying }

// TelemetryError wraps a failure of the external telemetry client.
// telemetry.New returns one (with AppName "init") when the client cannot be
// initialised, and the CLI treats that as a startup failure. Failures while
// reporting a job error are swallowed inside Reporter.Report and never
// surface as an error value.
type TelemetryError struct {
	AppName    string
	underlying error
}

func NewTelemetryError(appName string, underlying error) *TelemetryError {
	return &TelemetryError{AppName: appName, underlying: underlying}
}

func (e *TelemetryError) Error() string {
	return fmt.Sprintf("telemetry report for %q failed: %v", e.AppName, e.underlying)
}

func (e *TelemetryError) Unwrap() error { return e.underlying }

// LedgerError wraps a failure of a state or log transaction. It propagates;
// the orchestrator treats an unusable ledger as fatal for the run.
type LedgerError struct {
	Op         string
	underlying error
}

func NewLedgerError(op string, underlying error) *LedgerError {
	return &LedgerError{Op: op, underlying: underlying}
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.underlying)
}

func (e *LedgerError) Unwrap() error { return e.underlying }
