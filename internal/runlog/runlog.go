// Package runlog implements the append-only execution log: one row per
// success a job yields (a backfill run may add several) or per failure, kept
// purely for operator post-mortem. The
// scheduler never reads it back.
package runlog

import (
	"context"
	"fmt"
	"time"

	"database/sql"

	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/sqldsn"
)

// Record is one row of the run log.
type Record struct {
	ID        int64
	AppName   string
	LogTime   time.Time
	Duration  time.Duration
	Success   time.Time
	ExcType   string
	ExcValue  string
	ExcTrace  string
}

// Log is the append-only sink, backed by the same dual-dialect SQL approach
// as the ledger (sharing driver registration through internal/sqldsn).
type Log struct {
	db      *sql.DB
	dialect sqldsn.Dialect
	table   string
}

// NewFromDSN opens dsn and ensures the crontabber_log table exists.
func NewFromDSN(ctx context.Context, dsn string) (*Log, error) {
	db, dialect, err := sqldsn.Open(dsn)
	if err != nil {
		return nil, errs.NewLedgerError("open run log", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.NewLedgerError("ping run log", err)
	}
	l := &Log{db: db, dialect: dialect, table: "crontabber_log"}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) ensureSchema(ctx context.Context) error {
	var ddl string
	if l.dialect == sqldsn.Postgres {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			id BIGSERIAL PRIMARY KEY,
			app_name TEXT NOT NULL,
			log_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			duration DOUBLE PRECISION,
			success TIMESTAMPTZ,
			exc_type TEXT,
			exc_value TEXT,
			exc_traceback TEXT
		);`, l.table)
	} else {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_name TEXT NOT NULL,
			log_time TIMESTAMP NOT NULL,
			duration REAL,
			success TIMESTAMP,
			exc_type TEXT,
			exc_value TEXT,
			exc_traceback TEXT
		);`, l.table)
	}
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return errs.NewLedgerError("ensure run log schema", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_app_name ON %s(app_name);`, l.table, l.table)
	if _, err := l.db.ExecContext(ctx, idx); err != nil {
		return errs.NewLedgerError("ensure run log schema", err)
	}
	return nil
}

// LogSuccess appends one success row.
func (l *Log) LogSuccess(ctx context.Context, appName string, successTime time.Time, duration time.Duration) error {
	return l.insert(ctx, appName, duration, successTime, "", "", "")
}

// LogFailure appends one failure row; all three exception fields are
// stringified (there is no structured exception type on the wire).
func (l *Log) LogFailure(ctx context.Context, appName string, duration time.Duration, excType, excValue, excTraceback string) error {
	return l.insert(ctx, appName, duration, time.Time{}, excType, excValue, excTraceback)
}

func (l *Log) insert(ctx context.Context, appName string, duration time.Duration, success time.Time, excType, excValue, excTraceback string) error {
	now := time.Now().UTC()
	var q string
	if l.dialect == sqldsn.Postgres {
		q = fmt.Sprintf(`INSERT INTO %s(app_name, log_time, duration, success, exc_type, exc_value, exc_traceback)
			VALUES($1,$2,$3,$4,$5,$6,$7);`, l.table)
	} else {
		q = fmt.Sprintf(`INSERT INTO %s(app_name, log_time, duration, success, exc_type, exc_value, exc_traceback)
			VALUES(?,?,?,?,?,?,?);`, l.table)
	}
	successArg := any(nil)
	if !success.IsZero() {
		successArg = success.UTC()
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewLedgerError("log", err)
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, q, appName, now, duration.Seconds(), successArg,
		nullableString(excType), nullableString(excValue), nullableString(excTraceback))
	if err != nil {
		return errs.NewLedgerError("log", err)
	}
	return errOrLedger(tx.Commit())
}

// Recent returns the most recent rows for appName, newest first, for the
// `--log-job` operator command. There is no scheduler-facing read path.
func (l *Log) Recent(ctx context.Context, appName string, limit int) ([]Record, error) {
	q := fmt.Sprintf(`SELECT id, app_name, log_time, duration, success, exc_type, exc_value, exc_traceback
		FROM %s WHERE app_name = %s ORDER BY log_time DESC, id DESC LIMIT %s;`,
		l.table, l.dialect.Placeholder(1), l.dialect.Placeholder(2))
	rows, err := l.db.QueryContext(ctx, q, appName, limit)
	if err != nil {
		return nil, errs.NewLedgerError("recent", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var durationSec sql.NullFloat64
		var success sql.NullTime
		var excType, excValue, excTrace sql.NullString
		if err := rows.Scan(&r.ID, &r.AppName, &r.LogTime, &durationSec, &success, &excType, &excValue, &excTrace); err != nil {
			return nil, errs.NewLedgerError("recent", err)
		}
		r.Duration = time.Duration(durationSec.Float64 * float64(time.Second))
		if success.Valid {
			r.Success = success.Time.UTC()
		}
		r.ExcType = excType.String
		r.ExcValue = excValue.String
		r.ExcTrace = excTrace.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func errOrLedger(err error) error {
	if err == nil {
		return nil
	}
	return errs.NewLedgerError("commit", err)
}
