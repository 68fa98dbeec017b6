// Package claim hands pending stubs to workers under a lease.
//
// A claim is one store transaction that first reaps expired leases and then
// locks the next batch of pending stubs. The claimed_at stamp written by the
// claim doubles as the lease token: CompleteLease and FailLease only act while
// the stub still carries it, so a worker that overran its lease cannot
// overwrite the outcome of a newer claim.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultLeaseTimeout is how long a claim is held before it may be reaped.
	DefaultLeaseTimeout = 15 * time.Minute
	// DefaultMaxAttempts caps how often a stub is claimed.
	DefaultMaxAttempts = 3
	// DefaultBatchSize is the claim limit used by the Runner.
	DefaultBatchSize = 10
)

// Outcome is the result of finishing a claimed stub.
type Outcome string

const (
	// OutcomeCompleted means the stub reached completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetried means the failure was transient and the stub is pending again.
	OutcomeRetried Outcome = "retried"
	// OutcomeExhausted means attempts ran out and the stub is failed.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeAbandoned means the failure was permanent and the stub is failed
	// with attempts left.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeExpired means the stub sat pending past the backlog age.
	OutcomeExpired Outcome = "expired"
)

// ErrPermanent marks a handler error that no retry can fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Fail and FailLease mark the stub failed at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

var (
	claimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huntpipe_stubs_claimed_total",
		Help: "Stubs handed to workers.",
	})
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huntpipe_stub_outcomes_total",
		Help: "Finished stubs by outcome, including leases reaped on expiry.",
	}, []string{"outcome"})
)

// Config tunes the Manager.
type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
	// BacklogAge, when positive, fails stubs still pending this long after
	// they were queued instead of handing them to a worker.
	BacklogAge time.Duration
}

// Option defines a configuration option for the Manager.
type Option func(*Config)

// WithLeaseTimeout overrides DefaultLeaseTimeout.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Config) { c.LeaseTimeout = d }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// WithBacklogAge gives up on stubs pending longer than d.
func WithBacklogAge(d time.Duration) Option {
	return func(c *Config) { c.BacklogAge = d }
}

// Manager claims, completes and fails stubs.
type Manager struct {
	repo store.StubRepo
	cfg  Config
	now  func() time.Time
}

// NewManager creates a Manager over the stub repository.
func NewManager(repo store.StubRepo, opts ...Option) *Manager {
	cfg := Config{LeaseTimeout: DefaultLeaseTimeout, MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{repo: repo, cfg: cfg, now: time.Now}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ClaimBatch reaps expired leases and claims up to limit pending stubs in
// queue order. Concurrent callers never receive the same stub.
func (m *Manager) ClaimBatch(ctx context.Context, limit int) ([]models.Stub, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", limit)
	}
	now := m.now().UTC()
	opts := m.claimOptions(now)
	opts.Limit = limit
	res, err := m.repo.ClaimStubs(ctx, now, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to claim stubs: %w", err)
	}
	m.recordReap(res)
	claimedTotal.Add(float64(len(res.Stubs)))
	if len(res.Stubs) > 0 {
		slog.Debug("Manager.ClaimBatch: claimed stubs", "count", len(res.Stubs), "requeued", res.Requeued, "exhausted", res.Exhausted)
	}
	return res.Stubs, nil
}

// Reap runs only the reaping phase: expired leases and, with a backlog age,
// stale pending stubs. The maintenance scheduler calls it so both are handled
// even while no worker is claiming.
func (m *Manager) Reap(ctx context.Context) (store.ClaimResult, error) {
	now := m.now().UTC()
	res, err := m.repo.ReapStaleStubs(ctx, now, m.claimOptions(now))
	if err != nil {
		return store.ClaimResult{}, fmt.Errorf("failed to reap stubs: %w", err)
	}
	m.recordReap(res)
	return res, nil
}

func (m *Manager) claimOptions(now time.Time) store.ClaimOptions {
	opts := store.ClaimOptions{
		LeaseTimeout: m.cfg.LeaseTimeout,
		MaxAttempts:  m.cfg.MaxAttempts,
	}
	if m.cfg.BacklogAge > 0 {
		opts.BacklogCutoff = now.Add(-m.cfg.BacklogAge)
	}
	return opts
}

func (m *Manager) recordReap(res store.ClaimResult) {
	if res.Requeued > 0 {
		outcomesTotal.WithLabelValues(string(OutcomeRetried)).Add(float64(res.Requeued))
	}
	if res.Exhausted > 0 {
		outcomesTotal.WithLabelValues(string(OutcomeExhausted)).Add(float64(res.Exhausted))
		slog.Warn("Manager: leases expired with no attempts left", "count", res.Exhausted, "max_attempts", m.cfg.MaxAttempts)
	}
	if res.Expired > 0 {
		outcomesTotal.WithLabelValues(string(OutcomeExpired)).Add(float64(res.Expired))
		slog.Warn("Manager: pending stubs passed the backlog age", "count", res.Expired, "backlog_age", m.cfg.BacklogAge)
	}
}

// Complete marks a stub completed regardless of which claim holds it.
// Completing an already completed stub is a no-op.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.complete(ctx, id, nil)
}

// CompleteLease marks the stub completed only while this claim still holds it.
// A lease that was reaped and re-claimed returns store.ErrLeaseLost.
func (m *Manager) CompleteLease(ctx context.Context, stub models.Stub) error {
	if stub.ClaimedAt == nil {
		return fmt.Errorf("stub %s carries no lease", stub.ID)
	}
	return m.complete(ctx, stub.ID, stub.ClaimedAt)
}

func (m *Manager) complete(ctx context.Context, id string, lease *time.Time) error {
	if err := m.repo.CompleteStub(ctx, id, lease, m.now().UTC()); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			slog.Warn("Manager.Complete: lease lost", "id", id)
		}
		return err
	}
	outcomesTotal.WithLabelValues(string(OutcomeCompleted)).Inc()
	return nil
}

// Fail records cause and returns the stub to pending while attempts remain,
// otherwise marks it failed. A cause wrapping ErrPermanent fails it now.
func (m *Manager) Fail(ctx context.Context, id string, cause error) (Outcome, error) {
	return m.fail(ctx, id, nil, cause)
}

// FailLease is Fail guarded by the claim's lease.
func (m *Manager) FailLease(ctx context.Context, stub models.Stub, cause error) (Outcome, error) {
	if stub.ClaimedAt == nil {
		return "", fmt.Errorf("stub %s carries no lease", stub.ID)
	}
	return m.fail(ctx, stub.ID, stub.ClaimedAt, cause)
}

func (m *Manager) fail(ctx context.Context, id string, lease *time.Time, cause error) (Outcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	maxAttempts := m.cfg.MaxAttempts
	permanent := errors.Is(cause, ErrPermanent)
	if permanent {
		// A claimed stub has at least one attempt, so a cap of 1 fails it.
		maxAttempts = 1
	}
	status, err := m.repo.FailStub(ctx, id, lease, msg, maxAttempts, m.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			slog.Warn("Manager.Fail: lease lost", "id", id)
		}
		return "", err
	}
	outcome := OutcomeRetried
	switch {
	case status != models.StubStatusFailed:
	case permanent:
		outcome = OutcomeAbandoned
		slog.Warn("Manager.Fail: stub failed permanently", "id", id, "error", msg)
	default:
		outcome = OutcomeExhausted
		slog.Warn("Manager.Fail: stub exhausted its attempts", "id", id, "error", msg)
	}
	outcomesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}
