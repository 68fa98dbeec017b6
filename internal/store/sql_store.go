package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
)

// dialect captures the SQL differences between the two backends. Queries are
// written with ? placeholders and rebound for Postgres.
type dialect struct {
	name string
	// numbered rewrites ? placeholders to $1..$n.
	numbered bool
	// claimLock is appended to claim subqueries.
	claimLock string
	// rowLock is appended to read-then-write selects.
	rowLock string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		claimLock: " FOR UPDATE SKIP LOCKED",
		rowLock:   " FOR UPDATE",
	}
	// SQLite serializes writers with BEGIN IMMEDIATE, so no row locks are needed.
	sqliteDialect = dialect{name: "sqlite"}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqlStore implements every repository on top of database/sql. PostgresStore and
// SQLiteStore embed it and differ only in connection setup and dialect.
type sqlStore struct {
	db    *sql.DB
	d     dialect
	guard *isolation.Enforcer
	clock func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, now func() time.Time) *sqlStore {
	if now == nil {
		now = time.Now
	}
	return &sqlStore{db: db, d: d, guard: isolation.NewEnforcer(), clock: now}
}

func (s *sqlStore) q(query string) string {
	return s.d.rebind(query)
}

func (s *sqlStore) now() time.Time {
	return ts(s.clock())
}

// DB returns the underlying database handle.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// tx runs fn in a transaction and audits isolation violations after rollback.
func (s *sqlStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return runInTx(ctx, s.db, s, fn)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
