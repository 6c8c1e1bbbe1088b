package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/executor"
	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/scheduler"
)

type memStore struct{ states map[string]ledger.JobState }

func newMemStore() *memStore { return &memStore{states: make(map[string]ledger.JobState)} }

func (m *memStore) EnsureSchema(ctx context.Context) error { return nil }
func (m *memStore) Contains(ctx context.Context, appName string) (bool, error) {
	_, ok := m.states[appName]
	return ok, nil
}
func (m *memStore) Get(ctx context.Context, appName string) (ledger.JobState, error) {
	s, ok := m.states[appName]
	if !ok {
		return ledger.JobState{}, &errs.StateNotFoundError{AppName: appName}
	}
	return s, nil
}
func (m *memStore) Set(ctx context.Context, state ledger.JobState) error {
	m.states[state.AppName] = state
	return nil
}
func (m *memStore) Delete(ctx context.Context, appName string) error {
	if _, ok := m.states[appName]; !ok {
		return &errs.StateNotFoundError{AppName: appName}
	}
	delete(m.states, appName)
	return nil
}
func (m *memStore) IterAppNames(ctx context.Context) ([]string, error) {
	var out []string
	for k := range m.states {
		out = append(out, k)
	}
	return out, nil
}
func (m *memStore) Snapshot(ctx context.Context) (map[string]ledger.JobState, error) {
	return m.states, nil
}
func (m *memStore) HasData(ctx context.Context) (bool, error) { return len(m.states) > 0, nil }
func (m *memStore) Close() error                              { return nil }

// countingInvoker yields one success (or one failure) per Invoke and counts
// how many times it was called.
type countingInvoker struct {
	fail  bool
	calls int
}

func (c *countingInvoker) Invoke(ctx context.Context, prior *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
	c.calls++
	ch := make(chan descriptor.InvokeResult, 1)
	if c.fail {
		ch <- descriptor.InvokeResult{Err: errors.New("job blew up")}
	} else {
		ch <- descriptor.InvokeResult{Success: scheduler.Now()}
	}
	close(ch)
	return ch, nil
}

func fixedNow(t time.Time) func() {
	orig := scheduler.Now
	scheduler.Now = func() time.Time { return t }
	return func() { scheduler.Now = orig }
}

func newOrchestrator(store ledger.Store, descs []descriptor.Descriptor) *Orchestrator {
	exec := &executor.Executor{Store: store, ErrorRetrySeconds: 300}
	return &Orchestrator{Descriptors: descs, Store: store, Executor: exec}
}

func TestRunAllDependencyGating(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	parent := &countingInvoker{fail: true}
	child := &countingInvoker{}
	descs := []descriptor.Descriptor{
		{AppName: "A", FrequencySeconds: 3600, Invoke: parent},
		{AppName: "B", FrequencySeconds: 3600, DependsOn: []string{"A"}, Invoke: child},
	}
	orch := newOrchestrator(store, descs)

	require.NoError(t, orch.RunAll(context.Background()))

	a := store.states["A"]
	require.Equal(t, 1, a.ErrorCount)
	require.False(t, a.LastError.IsEmpty())
	require.True(t, a.NextRun.Equal(now.Add(300*time.Second)))

	require.Equal(t, 1, parent.calls)
	require.Zero(t, child.calls)
	_, hasB := store.states["B"]
	require.False(t, hasB)
}

func TestRunAllOrdersDependenciesFirst(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	parent := &countingInvoker{}
	child := &countingInvoker{}
	// Child listed first; the resolver must still run the parent before it,
	// and the parent's fresh ledger write must satisfy the child's gate.
	descs := []descriptor.Descriptor{
		{AppName: "B", FrequencySeconds: 3600, DependsOn: []string{"A"}, Invoke: child},
		{AppName: "A", FrequencySeconds: 3600, Invoke: parent},
	}
	orch := newOrchestrator(store, descs)

	require.NoError(t, orch.RunAll(context.Background()))
	require.Equal(t, 1, parent.calls)
	require.Equal(t, 1, child.calls)
	require.True(t, store.states["B"].LastSuccess.Equal(now))
}

func TestRunAllIdempotentAfterSuccess(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	a := &countingInvoker{}
	b := &countingInvoker{}
	descs := []descriptor.Descriptor{
		{AppName: "A", FrequencySeconds: 3600, Invoke: a},
		{AppName: "B", FrequencySeconds: 3600, DependsOn: []string{"A"}, Invoke: b},
	}
	orch := newOrchestrator(store, descs)

	require.NoError(t, orch.RunAll(context.Background()))
	require.NoError(t, orch.RunAll(context.Background()))

	require.Equal(t, 1, a.calls)
	require.Equal(t, 1, b.calls)
}

func TestRunAllFailsFastOnMissingDependency(t *testing.T) {
	store := newMemStore()
	descs := []descriptor.Descriptor{
		{AppName: "B", FrequencySeconds: 3600, DependsOn: []string{"nope"}, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	err := orch.RunAll(context.Background())
	var missing *errs.MissingDependencyError
	require.True(t, errors.As(err, &missing))
}

func TestRunOneByClassIdentityAndNotFound(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	inv := &countingInvoker{}
	descs := []descriptor.Descriptor{
		{AppName: "A", ClassIdentity: "jobs.CrashAggregator", FrequencySeconds: 3600, Invoke: inv},
	}
	orch := newOrchestrator(store, descs)

	require.NoError(t, orch.RunOne(context.Background(), "jobs.CrashAggregator", false))
	require.Equal(t, 1, inv.calls)

	err := orch.RunOne(context.Background(), "ghost", false)
	var notFound *errs.JobNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestResetJobThenRunErasesHistory(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	inv := &countingInvoker{}
	descs := []descriptor.Descriptor{{AppName: "J", FrequencySeconds: 3600, Invoke: inv}}
	orch := newOrchestrator(store, descs)

	require.NoError(t, orch.RunOne(context.Background(), "J", false))
	require.True(t, store.states["J"].FirstRun.Equal(now))

	require.NoError(t, orch.ResetJob(context.Background(), "J", nil))
	_, exists := store.states["J"]
	require.False(t, exists)

	later := now.Add(10 * time.Minute)
	scheduler.Now = func() time.Time { return later }
	require.NoError(t, orch.RunOne(context.Background(), "J", false))
	require.Equal(t, 2, inv.calls)
	require.True(t, store.states["J"].FirstRun.Equal(later))
}

func TestResetJobWarnsWhenNoRow(t *testing.T) {
	store := newMemStore()
	descs := []descriptor.Descriptor{{AppName: "J", FrequencySeconds: 3600, Invoke: &countingInvoker{}}}
	orch := newOrchestrator(store, descs)

	var warned string
	require.NoError(t, orch.ResetJob(context.Background(), "J", func(msg string) { warned = msg }))
	require.Contains(t, warned, "J")

	err := orch.ResetJob(context.Background(), "ghost", nil)
	var notFound *errs.JobNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestNagiosBackfillWarningVsCritical(t *testing.T) {
	store := newMemStore()
	store.states["B1"] = ledger.JobState{AppName: "B1", ErrorCount: 1, LastError: ledger.LastError{Type: "x", Value: "one failure"}}
	store.states["B2"] = ledger.JobState{AppName: "B2", ErrorCount: 1, LastError: ledger.LastError{Type: "x", Value: "one failure"}}
	descs := []descriptor.Descriptor{
		{AppName: "B1", FrequencySeconds: 3600, IsBackfill: true, Invoke: &countingInvoker{}},
		{AppName: "B2", FrequencySeconds: 3600, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	var out bytes.Buffer
	code, err := orch.Nagios(context.Background(), &out)
	require.NoError(t, err)
	require.Equal(t, NagiosCritical, code)
	require.Contains(t, out.String(), "CRITICAL")
	require.Contains(t, out.String(), "B2")
	// The backfill job's single failure is only a warning, and warnings are
	// suppressed from the CRITICAL line.
	require.NotContains(t, out.String(), "B1")
}

func TestNagiosWarningOnly(t *testing.T) {
	store := newMemStore()
	store.states["B1"] = ledger.JobState{AppName: "B1", ErrorCount: 1, LastError: ledger.LastError{Type: "x", Value: "one failure"}}
	descs := []descriptor.Descriptor{
		{AppName: "B1", FrequencySeconds: 3600, IsBackfill: true, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	var out bytes.Buffer
	code, err := orch.Nagios(context.Background(), &out)
	require.NoError(t, err)
	require.Equal(t, NagiosWarning, code)
	require.Contains(t, out.String(), "WARNING - B1")
}

func TestNagiosAllNominal(t *testing.T) {
	store := newMemStore()
	store.states["A"] = ledger.JobState{AppName: "A", ErrorCount: 0}
	descs := []descriptor.Descriptor{{AppName: "A", FrequencySeconds: 3600, Invoke: &countingInvoker{}}}
	orch := newOrchestrator(store, descs)

	var out bytes.Buffer
	code, err := orch.Nagios(context.Background(), &out)
	require.NoError(t, err)
	require.Equal(t, NagiosOK, code)
	require.Equal(t, "OK - All systems nominal\n", out.String())
}

func TestNagiosRepeatedBackfillFailureIsCritical(t *testing.T) {
	store := newMemStore()
	store.states["B1"] = ledger.JobState{AppName: "B1", ErrorCount: 2, LastError: ledger.LastError{Type: "x", Value: "two failures"}}
	descs := []descriptor.Descriptor{
		{AppName: "B1", FrequencySeconds: 3600, IsBackfill: true, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	var out bytes.Buffer
	code, err := orch.Nagios(context.Background(), &out)
	require.NoError(t, err)
	require.Equal(t, NagiosCritical, code)
}

func TestAuditGhosts(t *testing.T) {
	store := newMemStore()
	for _, name := range []string{"X", "Y", "Z"} {
		store.states[name] = ledger.JobState{AppName: name}
	}
	descs := []descriptor.Descriptor{
		{AppName: "X", FrequencySeconds: 3600, Invoke: &countingInvoker{}},
		{AppName: "W", FrequencySeconds: 3600, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	var out bytes.Buffer
	require.NoError(t, orch.AuditGhosts(context.Background(), &out))
	require.Equal(t, "Y\nZ\n", out.String())
}

func TestListJobsNeverTouchesLedger(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	store := newMemStore()
	store.states["A"] = ledger.JobState{
		AppName:     "A",
		FirstRun:    now.Add(-2 * time.Hour),
		LastRun:     now.Add(-time.Hour),
		LastSuccess: now.Add(-time.Hour),
		NextRun:     now.Add(time.Hour),
	}
	descs := []descriptor.Descriptor{
		{AppName: "A", ClassIdentity: "jobs.A", FrequencySeconds: 86400, TimeOfDay: &frequency.TimeOfDay{Hour: 3}, Invoke: &countingInvoker{}},
		{AppName: "B", ClassIdentity: "jobs.B", FrequencySeconds: 3600, Invoke: &countingInvoker{}},
	}
	orch := newOrchestrator(store, descs)

	beforeA := store.states["A"]
	var out bytes.Buffer
	require.NoError(t, orch.ListJobs(context.Background(), &out))

	require.Contains(t, out.String(), "A (jobs.A)")
	require.Contains(t, out.String(), "@ 03:00")
	require.Contains(t, out.String(), "never run")
	require.Equal(t, beforeA, store.states["A"])
	require.Len(t, store.states, 1)
}

func TestConfigtestReportsEveryFailure(t *testing.T) {
	descs := []descriptor.Descriptor{
		{AppName: "bad-tod", FrequencySeconds: 3600, TimeOfDay: &frequency.TimeOfDay{Hour: 3}, Invoke: &countingInvoker{}},
		{AppName: "loop-a", FrequencySeconds: 3600, DependsOn: []string{"loop-b"}, Invoke: &countingInvoker{}},
		{AppName: "loop-b", FrequencySeconds: 3600, DependsOn: []string{"loop-a"}, Invoke: &countingInvoker{}},
	}
	orch := &Orchestrator{Descriptors: descs}

	var out bytes.Buffer
	err := orch.Configtest(&out)
	require.Error(t, err)
	require.Contains(t, out.String(), "bad-tod")
	require.Contains(t, out.String(), "cyclic dependency")
}

func TestConfigtestOK(t *testing.T) {
	descs := []descriptor.Descriptor{
		{AppName: "a", FrequencySeconds: 86400, TimeOfDay: &frequency.TimeOfDay{Hour: 3}, Invoke: &countingInvoker{}},
		{AppName: "b", FrequencySeconds: 3600, DependsOn: []string{"a"}, Invoke: &countingInvoker{}},
	}
	orch := &Orchestrator{Descriptors: descs}

	var out bytes.Buffer
	require.NoError(t, orch.Configtest(&out))
	require.Empty(t, out.String())
}
