// Package store provides storage backends for HuntPipe.
//
// Every piece of shared mutable state (stubs, queue items, content, receipts,
// cooldowns, rate windows, heartbeats) lives here, behind a PostgreSQL backend for
// multi-worker deployments and an SQLite backend for single-node use and tests.
// Each operation is one short transaction; tenant-owned writes pass through the
// isolation guard before they reach SQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors returned by all backends.
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseLost         = errors.New("lease no longer held")
)

// Store is the full persistence surface used by HuntPipe.
type Store interface {
	StubRepo
	QueueRepo
	ContentRepo
	CooldownRepo
	RateRepo
	TenantRepo
	OpsRepo
	DeliveryRepo

	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend selected by the options: Postgres when a Postgres DSN is
// set, otherwise SQLite.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.PostgresDSN != "":
		slog.Debug("store.New: using Postgres backend")
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.SQLiteDSN != "":
		slog.Debug("store.New: using SQLite backend", "path", cfg.SQLiteDSN)
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("database DSN not set")
	}
}
