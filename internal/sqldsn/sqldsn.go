// Package sqldsn resolves a connection DSN to the right database/sql driver
// and records which SQL dialect to speak, so the ledger and run log can
// share one dispatch point instead of duplicating DSN sniffing.
package sqldsn

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver, registered as "pgx"
	_ "modernc.org/sqlite"             // sqlite driver, registered as "sqlite"
)

// Dialect names the SQL variant a Store or Sink should speak.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Open opens dsn, inferring the dialect from its scheme:
//   - "sqlite://" or a bare path/":memory:" -> SQLite (modernc.org/sqlite, no cgo)
//   - "postgres://" or "postgresql://" -> PostgreSQL (jackc/pgx stdlib)
func Open(dsn string) (*sql.DB, Dialect, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, "", errors.New("empty DSN")
	}
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		db, err := sql.Open("pgx", d)
		return db, Postgres, err
	case strings.HasPrefix(ld, "sqlite://"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(d, "sqlite://"))
		return db, SQLite, err
	default:
		db, err := sql.Open("sqlite", d)
		return db, SQLite, err
	}
}

// Placeholder returns the positional parameter marker for the given
// 1-indexed argument position under this dialect ("?" for SQLite, "$N" for
// Postgres).
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
