// Package queue multiplexes inbound parse work and outbound notifications
// over the single queue_items table.
package queue

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
	DefaultLeaseTimeout = 10 * time.Minute
	DefaultMaxAttempts  = 5
)

// ErrDirectionMismatch is returned when an item is completed as the wrong kind.
var ErrDirectionMismatch = errors.New("queue item direction mismatch")

var enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_queue_enqueued_total",
	Help: "Queue enqueue calls by direction and whether a new item was created.",
}, []string{"direction", "result"})

// Config bounds claims on the queue.
type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
}

// Option configures a Multiplexer.
type Option func(*Config)

func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Config) { c.LeaseTimeout = d }
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// Multiplexer is the producer and consumer API over the shared queue.
type Multiplexer struct {
	repo store.QueueRepo
	cfg  Config
	now  func() time.Time
}

// NewMultiplexer creates a Multiplexer.
func NewMultiplexer(repo store.QueueRepo, opts ...Option) *Multiplexer {
	cfg := Config{LeaseTimeout: DefaultLeaseTimeout, MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Multiplexer{repo: repo, cfg: cfg, now: time.Now}
}

// Config returns the effective configuration.
func (m *Multiplexer) Config() Config { return m.cfg }

// SetClock replaces the time source. Tests only.
func (m *Multiplexer) SetClock(now func() time.Time) {
	m.now = now
}

// EnqueueInbound queues a payload for parsing. A repeated (tenant, dedupeKey)
// returns the existing id with created=false.
func (m *Multiplexer) EnqueueInbound(ctx context.Context, tenantID, dedupeKey, payloadRef string) (string, bool, error) {
	if payloadRef == "" {
		return "", false, models.ErrEmptyQueueItem
	}
	return m.enqueue(ctx, models.QueueItem{TenantID: tenantID, DedupeKey: dedupeKey, PayloadRef: payloadRef})
}

// EnqueueOutbound queues a notification. Recipient, subject and body are all
// required.
func (m *Multiplexer) EnqueueOutbound(ctx context.Context, tenantID, dedupeKey, recipient, subject, body string) (string, bool, error) {
	return m.enqueue(ctx, models.QueueItem{
		TenantID:  tenantID,
		DedupeKey: dedupeKey,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	})
}

func (m *Multiplexer) enqueue(ctx context.Context, item models.QueueItem) (string, bool, error) {
	item.CreatedAt = m.now()
	id, created, err := m.repo.EnqueueQueueItem(ctx, item)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue %s item: %w", item.Direction(), err)
	}
	result := "created"
	if !created {
		result = "duplicate"
		slog.Debug("Multiplexer.enqueue: duplicate dedupe key", "id", id, "dedupe_key", item.DedupeKey)
	}
	enqueuedTotal.WithLabelValues(string(item.Direction()), result).Inc()
	return id, created, nil
}

// Claim leases up to limit items of one direction, oldest first. Expired
// leases of that direction are reaped in the same transaction.
func (m *Multiplexer) Claim(ctx context.Context, dir models.QueueDirection, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", limit)
	}
	return m.repo.ClaimQueueItems(ctx, dir, m.now(), store.ClaimOptions{
		Limit:        limit,
		LeaseTimeout: m.cfg.LeaseTimeout,
		MaxAttempts:  m.cfg.MaxAttempts,
	})
}

// Complete marks a claimed item done. Inbound items are stamped parsed, and
// both kinds get processed_at.
func (m *Multiplexer) Complete(ctx context.Context, dir models.QueueDirection, id string) error {
	item, err := m.repo.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Direction() != dir {
		return fmt.Errorf("%w: %s is %s, not %s", ErrDirectionMismatch, id, item.Direction(), dir)
	}
	return m.repo.CompleteQueueItem(ctx, id, nil, m.now())
}

// CompleteLease completes a claimed item only while this claim still holds
// it. A lease that was reaped and re-claimed returns store.ErrLeaseLost.
func (m *Multiplexer) CompleteLease(ctx context.Context, dir models.QueueDirection, item models.QueueItem) error {
	if item.ClaimedAt == nil {
		return fmt.Errorf("queue item %s carries no lease", item.ID)
	}
	if item.Direction() != dir {
		return fmt.Errorf("%w: %s is %s, not %s", ErrDirectionMismatch, item.ID, item.Direction(), dir)
	}
	return m.repo.CompleteQueueItem(ctx, item.ID, item.ClaimedAt, m.now())
}

// Fail records cause and requeues the item for immediate retry, or marks it
// failed at the attempt cap.
func (m *Multiplexer) Fail(ctx context.Context, id string, cause error) (models.QueueStatus, error) {
	return m.FailAt(ctx, id, cause, time.Time{})
}

// FailAt is Fail with the retry held back until retryAt.
func (m *Multiplexer) FailAt(ctx context.Context, id string, cause error, retryAt time.Time) (models.QueueStatus, error) {
	return m.fail(ctx, id, nil, cause, retryAt)
}

// FailLease is FailAt guarded by the claim's lease.
func (m *Multiplexer) FailLease(ctx context.Context, item models.QueueItem, cause error, retryAt time.Time) (models.QueueStatus, error) {
	if item.ClaimedAt == nil {
		return "", fmt.Errorf("queue item %s carries no lease", item.ID)
	}
	return m.fail(ctx, item.ID, item.ClaimedAt, cause, retryAt)
}

func (m *Multiplexer) fail(ctx context.Context, id string, lease *time.Time, cause error, retryAt time.Time) (models.QueueStatus, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	status, err := m.repo.FailQueueItem(ctx, id, lease, msg, m.cfg.MaxAttempts, m.now(), retryAt)
	if err != nil {
		return "", err
	}
	if status == models.QueueStatusFailed {
		slog.Warn("Multiplexer.Fail: item exhausted", "id", id, "error", msg)
	}
	return status, nil
}

// Get returns one item visible to the session.
func (m *Multiplexer) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	return m.repo.GetQueueItem(ctx, id)
}

// Stats counts items by direction and status.
func (m *Multiplexer) Stats(ctx context.Context) (map[models.QueueDirection]map[models.QueueStatus]int64, error) {
	return m.repo.QueueStats(ctx)
}
