package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/frequency"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/stretchr/testify/require"
)

func fixedNow(t time.Time) func() {
	orig := Now
	Now = func() time.Time { return t }
	return func() { Now = orig }
}

func TestTimeToRunNoStateNoTimeOfDay(t *testing.T) {
	d := &descriptor.Descriptor{AppName: "a"}
	require.True(t, TimeToRun(d, nil))
}

func TestTimeToRunNoStateWithTimeOfDay(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	d := &descriptor.Descriptor{AppName: "a", TimeOfDay: &frequency.TimeOfDay{Hour: 9, Minute: 0}}
	require.True(t, TimeToRun(d, nil))

	d2 := &descriptor.Descriptor{AppName: "a", TimeOfDay: &frequency.TimeOfDay{Hour: 11, Minute: 0}}
	require.False(t, TimeToRun(d2, nil))
}

func TestTimeToRunWithState(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	d := &descriptor.Descriptor{AppName: "a"}
	due := &ledger.JobState{NextRun: now.Add(-time.Minute)}
	require.True(t, TimeToRun(d, due))

	notDue := &ledger.JobState{NextRun: now.Add(time.Minute)}
	require.False(t, TimeToRun(d, notDue))
}

type memStore struct{ states map[string]ledger.JobState }

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
func (m *memStore) Delete(ctx context.Context, appName string) error { return nil }
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

func TestCheckDependenciesEmpty(t *testing.T) {
	d := &descriptor.Descriptor{AppName: "a"}
	ok, reason, err := CheckDependencies(context.Background(), d, &memStore{states: map[string]ledger.JobState{}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestCheckDependenciesNeverRun(t *testing.T) {
	d := &descriptor.Descriptor{AppName: "a", DependsOn: []string{"b"}}
	ok, reason, err := CheckDependencies(context.Background(), d, &memStore{states: map[string]ledger.JobState{}})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "dep hasn't been run yet", reason)
}

func TestCheckDependenciesErroredLastTime(t *testing.T) {
	d := &descriptor.Descriptor{AppName: "a", DependsOn: []string{"b"}}
	store := &memStore{states: map[string]ledger.JobState{
		"b": {AppName: "b", LastError: ledger.LastError{Type: "boom"}},
	}}
	ok, reason, err := CheckDependencies(context.Background(), d, store)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "dep errored last time", reason)
}

func TestCheckDependenciesOverdue(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	d := &descriptor.Descriptor{AppName: "a", DependsOn: []string{"b"}}
	store := &memStore{states: map[string]ledger.JobState{
		"b": {AppName: "b", NextRun: now.Add(-time.Minute)},
	}}
	ok, reason, err := CheckDependencies(context.Background(), d, store)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "dep hasn't recently run", reason)
}

func TestCheckDependenciesNeverFinalized(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	// A skeleton row written by a run that never finalized carries a zero
	// NextRun; it must fail the freshness check, not pass it.
	d := &descriptor.Descriptor{AppName: "a", DependsOn: []string{"b"}}
	store := &memStore{states: map[string]ledger.JobState{
		"b": {AppName: "b", Ongoing: now.Add(-time.Hour)},
	}}
	ok, reason, err := CheckDependencies(context.Background(), d, store)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "dep hasn't recently run", reason)
}

func TestCheckDependenciesOK(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	defer fixedNow(now)()

	d := &descriptor.Descriptor{AppName: "a", DependsOn: []string{"b"}}
	store := &memStore{states: map[string]ledger.JobState{
		"b": {AppName: "b", NextRun: now.Add(time.Hour)},
	}}
	ok, _, err := CheckDependencies(context.Background(), d, store)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestComputeNextRunFailed(t *testing.T) {
	lastRun := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	next := ComputeNextRun(lastRun, 3600, nil, true, 300)
	require.Equal(t, lastRun.Add(300*time.Second), next)
}

func TestComputeNextRunSuccessNoTimeOfDay(t *testing.T) {
	lastRun := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	next := ComputeNextRun(lastRun, 3600, nil, false, 300)
	require.Equal(t, lastRun.Add(time.Hour), next)
}

func TestComputeNextRunSuccessWithTimeOfDay(t *testing.T) {
	lastRun := time.Date(2024, 5, 1, 10, 30, 15, 0, time.UTC)
	tod := &frequency.TimeOfDay{Hour: 3, Minute: 45}
	next := ComputeNextRun(lastRun, 86400, tod, false, 300)
	require.Equal(t, time.Date(2024, 5, 2, 3, 45, 0, 0, time.UTC), next)
}
