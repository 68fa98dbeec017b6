package store

import (
	"strings"
	"time"
)

// Opts holds configuration for the store backends.
type Opts struct {
	PostgresDSN string
	SQLiteDSN   string
	// MaxOpenConns overrides the Postgres pool size.
	MaxOpenConns int
	// Now overrides the clock used for bookkeeping timestamps.
	Now func() time.Time
}

// Option defines a configuration option for the store backends.
type Option func(*Opts)

// WithPostgresDSN selects the Postgres backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithSQLiteDSN selects the SQLite backend. The DSN is a file path.
func WithSQLiteDSN(path string) Option {
	return func(o *Opts) { o.SQLiteDSN = path }
}

// WithMaxOpenConns sets the Postgres connection pool size.
func WithMaxOpenConns(n int) Option {
	return func(o *Opts) { o.MaxOpenConns = n }
}

// WithClock overrides the store's clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// DetectDSNType returns "postgres" for Postgres URLs or keyword DSNs and
// "sqlite" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
