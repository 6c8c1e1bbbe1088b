package ledger

import "context"

// Store is the transactional persistence interface the ledger is built on.
// Implementations must execute every operation within a single transaction,
// committing on normal return and rolling back on any error.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Contains(ctx context.Context, appName string) (bool, error)
	// Get returns errs.StateNotFoundError if no row exists for appName.
	Get(ctx context.Context, appName string) (JobState, error)
	// Set is an atomic upsert: it inserts if absent, overwrites all columns
	// if present.
	Set(ctx context.Context, state JobState) error
	// Delete returns errs.StateNotFoundError if no row exists for appName.
	Delete(ctx context.Context, appName string) error
	IterAppNames(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context) (map[string]JobState, error)
	HasData(ctx context.Context) (bool, error)
	Close() error
}
