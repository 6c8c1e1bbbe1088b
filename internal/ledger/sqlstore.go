package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/sqldsn"
)

// SQLStore implements Store atop database/sql, speaking either SQLite or
// PostgreSQL depending on the DSN it was opened with. Schema bootstrap and
// the ongoing-column migration run once, at construction.
type SQLStore struct {
	db      *sql.DB
	dialect sqldsn.Dialect
	table   string
}

// NewSQLStoreFromDSN opens dsn and ensures the backing table exists.
func NewSQLStoreFromDSN(ctx context.Context, dsn string) (*SQLStore, error) {
	db, dialect, err := sqldsn.Open(dsn)
	if err != nil {
		return nil, errs.NewLedgerError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.NewLedgerError("ping", err)
	}
	s := &SQLStore{db: db, dialect: dialect, table: "crontabber"}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// SetPool applies connection pool limits from configuration. Zero values
// leave the driver defaults in place.
func (s *SQLStore) SetPool(maxOpen, maxIdle int, connMaxAge time.Duration) {
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if connMaxAge > 0 {
		s.db.SetConnMaxLifetime(connMaxAge)
	}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var ddl string
	if s.dialect == sqldsn.Postgres {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			app_name TEXT NOT NULL PRIMARY KEY,
			next_run TIMESTAMPTZ,
			first_run TIMESTAMPTZ,
			last_run TIMESTAMPTZ,
			last_success TIMESTAMPTZ,
			ongoing TIMESTAMPTZ,
			error_count INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT[] NOT NULL DEFAULT '{}',
			last_error JSON
		);`, s.table)
	} else {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			app_name TEXT NOT NULL PRIMARY KEY,
			next_run TIMESTAMP,
			first_run TIMESTAMP,
			last_run TIMESTAMP,
			last_success TIMESTAMP,
			ongoing TIMESTAMP,
			error_count INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '[]',
			last_error TEXT
		);`, s.table)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errs.NewLedgerError("ensure schema", err)
	}
	return s.ensureOngoingColumn(ctx)
}

// ensureOngoingColumn is the idempotent migration adding `ongoing` to a
// table created before that column existed. Postgres supports "ADD COLUMN
// IF NOT EXISTS" directly; SQLite needs a PRAGMA probe first.
func (s *SQLStore) ensureOngoingColumn(ctx context.Context) error {
	if s.dialect == sqldsn.Postgres {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN IF NOT EXISTS ongoing TIMESTAMPTZ;`, s.table))
		if err != nil {
			return errs.NewLedgerError("migrate ongoing column", err)
		}
		return nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, s.table))
	if err != nil {
		return errs.NewLedgerError("probe schema", err)
	}
	defer rows.Close()
	hasOngoing := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return errs.NewLedgerError("probe schema", err)
		}
		if name == "ongoing" {
			hasOngoing = true
		}
	}
	if hasOngoing {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN ongoing TIMESTAMP;`, s.table)); err != nil {
		return errs.NewLedgerError("migrate ongoing column", err)
	}
	return nil
}

func (s *SQLStore) Contains(ctx context.Context, appName string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE app_name = %s;`, s.table, s.p(1))
	row := s.db.QueryRowContext(ctx, q, appName)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, errs.NewLedgerError("contains", err)
	}
}

func (s *SQLStore) Get(ctx context.Context, appName string) (JobState, error) {
	q := fmt.Sprintf(`SELECT app_name, next_run, first_run, last_run, last_success, ongoing,
		error_count, depends_on, last_error FROM %s WHERE app_name = %s;`, s.table, s.p(1))
	row := s.db.QueryRowContext(ctx, q, appName)
	state, err := s.scanState(row)
	if err == sql.ErrNoRows {
		return JobState{}, &errs.StateNotFoundError{AppName: appName}
	}
	if err != nil {
		return JobState{}, errs.NewLedgerError("get", err)
	}
	return state, nil
}

func (s *SQLStore) Set(ctx context.Context, state JobState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewLedgerError("set", err)
	}
	defer func() { _ = tx.Rollback() }()

	dependsOn, err := s.encodeDependsOn(state.DependsOn)
	if err != nil {
		return errs.NewLedgerError("set", err)
	}
	lastErr, err := encodeLastError(state.LastError)
	if err != nil {
		return errs.NewLedgerError("set", err)
	}

	var q string
	if s.dialect == sqldsn.Postgres {
		q = fmt.Sprintf(`INSERT INTO %s(app_name, next_run, first_run, last_run, last_success, ongoing, error_count, depends_on, last_error)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8::text[],$9::json)
			ON CONFLICT(app_name) DO UPDATE SET
				next_run=EXCLUDED.next_run, first_run=EXCLUDED.first_run, last_run=EXCLUDED.last_run,
				last_success=EXCLUDED.last_success, ongoing=EXCLUDED.ongoing, error_count=EXCLUDED.error_count,
				depends_on=EXCLUDED.depends_on, last_error=EXCLUDED.last_error;`, s.table)
	} else {
		q = fmt.Sprintf(`INSERT INTO %s(app_name, next_run, first_run, last_run, last_success, ongoing, error_count, depends_on, last_error)
			VALUES(?,?,?,?,?,?,?,?,?)
			ON CONFLICT(app_name) DO UPDATE SET
				next_run=excluded.next_run, first_run=excluded.first_run, last_run=excluded.last_run,
				last_success=excluded.last_success, ongoing=excluded.ongoing, error_count=excluded.error_count,
				depends_on=excluded.depends_on, last_error=excluded.last_error;`, s.table)
	}

	_, err = tx.ExecContext(ctx, q,
		state.AppName, nullTime(state.NextRun), nullTime(state.FirstRun), nullTime(state.LastRun),
		nullTime(state.LastSuccess), nullTime(state.Ongoing), state.ErrorCount, dependsOn, lastErr)
	if err != nil {
		return errs.NewLedgerError("set", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.NewLedgerError("set", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, appName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewLedgerError("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`DELETE FROM %s WHERE app_name = %s;`, s.table, s.p(1))
	res, err := tx.ExecContext(ctx, q, appName)
	if err != nil {
		return errs.NewLedgerError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.NewLedgerError("delete", err)
	}
	if n == 0 {
		return &errs.StateNotFoundError{AppName: appName}
	}
	if err := tx.Commit(); err != nil {
		return errs.NewLedgerError("delete", err)
	}
	return nil
}

func (s *SQLStore) IterAppNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT app_name FROM %s ORDER BY app_name;`, s.table))
	if err != nil {
		return nil, errs.NewLedgerError("iter", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.NewLedgerError("iter", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) Snapshot(ctx context.Context) (map[string]JobState, error) {
	q := fmt.Sprintf(`SELECT app_name, next_run, first_run, last_run, last_success, ongoing,
		error_count, depends_on, last_error FROM %s;`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errs.NewLedgerError("snapshot", err)
	}
	defer rows.Close()
	out := make(map[string]JobState)
	for rows.Next() {
		state, err := s.scanState(rows)
		if err != nil {
			return nil, errs.NewLedgerError("snapshot", err)
		}
		out[state.AppName] = state
	}
	return out, rows.Err()
}

func (s *SQLStore) HasData(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1;`, s.table)).Scan(&one)
	switch err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, errs.NewLedgerError("has data", err)
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanState(row scanner) (JobState, error) {
	var state JobState
	var nextRun, firstRun, lastRun, lastSuccess, ongoing sql.NullTime
	var dependsOn sql.NullString
	var lastErr sql.NullString
	if err := row.Scan(&state.AppName, &nextRun, &firstRun, &lastRun, &lastSuccess, &ongoing,
		&state.ErrorCount, &dependsOn, &lastErr); err != nil {
		return JobState{}, err
	}
	state.NextRun = nextRun.Time.UTC()
	state.FirstRun = firstRun.Time.UTC()
	state.LastRun = lastRun.Time.UTC()
	state.LastSuccess = lastSuccess.Time.UTC()
	state.Ongoing = ongoing.Time.UTC()
	if !nextRun.Valid {
		state.NextRun = time.Time{}
	}
	if !firstRun.Valid {
		state.FirstRun = time.Time{}
	}
	if !lastRun.Valid {
		state.LastRun = time.Time{}
	}
	if !lastSuccess.Valid {
		state.LastSuccess = time.Time{}
	}
	if !ongoing.Valid {
		state.Ongoing = time.Time{}
	}
	deps, err := s.decodeDependsOn(dependsOn.String)
	if err != nil {
		return JobState{}, err
	}
	state.DependsOn = deps
	le, err := decodeLastError(lastErr.String)
	if err != nil {
		return JobState{}, err
	}
	state.LastError = le
	return state, nil
}

func (s *SQLStore) p(n int) string { return s.dialect.Placeholder(n) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// encodeDependsOn renders dependency names as a Postgres array literal
// ("{a,b,c}") or, for SQLite (which has no array type), a JSON array.
func (s *SQLStore) encodeDependsOn(deps []string) (string, error) {
	if s.dialect == sqldsn.Postgres {
		escaped := make([]string, len(deps))
		for i, d := range deps {
			escaped[i] = `"` + strings.ReplaceAll(d, `"`, `\"`) + `"`
		}
		return "{" + strings.Join(escaped, ",") + "}", nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) decodeDependsOn(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	if s.dialect == sqldsn.Postgres {
		trimmed := strings.TrimPrefix(strings.TrimSuffix(raw, "}"), "{")
		if trimmed == "" {
			return nil, nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = strings.Trim(p, `"`)
		}
		return out, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeLastError(le LastError) (any, error) {
	if le.IsEmpty() {
		return nil, nil
	}
	b, err := json.Marshal(le)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeLastError(raw string) (LastError, error) {
	if raw == "" {
		return LastError{}, nil
	}
	var le LastError
	if err := json.Unmarshal([]byte(raw), &le); err != nil {
		return LastError{}, err
	}
	return le, nil
}
