package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/util"
)

// directionPredicate selects one side of the queue partition.
func directionPredicate(dir models.QueueDirection) (string, error) {
	switch dir {
	case models.QueueInbound:
		return `payload_ref IS NOT NULL AND subject IS NULL AND parsed_at IS NULL`, nil
	case models.QueueOutbound:
		return `subject IS NOT NULL AND payload_ref IS NULL`, nil
	default:
		return "", fmt.Errorf("unknown queue direction %q", dir)
	}
}

// EnqueueQueueItem inserts an inbound or outbound item, deduplicated per tenant.
func (s *sqlStore) EnqueueQueueItem(ctx context.Context, item models.QueueItem) (string, bool, error) {
	tenantID, err := s.guard.StampInsert(ctx, "queue_items.insert", item.TenantID)
	if err != nil {
		return "", false, isolation.Audit(ctx, s, err)
	}
	item.TenantID = tenantID
	if err := item.Validate(); err != nil {
		return "", false, err
	}
	id := item.ID
	if id == "" {
		id = util.NewID()
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var got string
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO queue_items
			(id, tenant_id, dedupe_key, payload_ref, recipient, subject, body, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING
		RETURNING id`),
		id, tenantID, item.DedupeKey, nilIfEmpty(item.PayloadRef), nilIfEmpty(item.Recipient),
		nilIfEmpty(item.Subject), nilIfEmpty(item.Body), ts(createdAt),
	).Scan(&got)
	if err == nil {
		slog.Debug("store.EnqueueQueueItem: queued", "id", got, "direction", item.Direction(), "tenant_id", tenantID)
		return got, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("store.EnqueueQueueItem failed", "backend", s.d.name, "error", err)
		return "", false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM queue_items WHERE tenant_id = ? AND dedupe_key = ?`), tenantID, item.DedupeKey).Scan(&got)
	if err != nil {
		return "", false, fmt.Errorf("failed to load existing queue item: %w", err)
	}
	return got, false, nil
}

// ClaimQueueItems reaps and claims items of one direction.
func (s *sqlStore) ClaimQueueItems(ctx context.Context, dir models.QueueDirection, now time.Time, opts ClaimOptions) ([]models.QueueItem, error) {
	pred, err := directionPredicate(dir)
	if err != nil {
		return nil, err
	}
	tenantID, all, err := s.guard.Scope(ctx, "queue_items.claim")
	if err != nil {
		return nil, isolation.Audit(ctx, s, err)
	}
	now = ts(now)
	limit := attemptCap(opts.MaxAttempts)

	var items []models.QueueItem
	err = s.tx(ctx, func(tx *sql.Tx) error {
		if opts.LeaseTimeout > 0 {
			stale := `SELECT id FROM queue_items WHERE status = 'processing' AND claimed_at < ? AND ` + pred
			args := []interface{}{limit, limit, now, ts(now.Add(-opts.LeaseTimeout))}
			if !all {
				stale += ` AND tenant_id = ?`
				args = append(args, tenantID)
			}
			res, err := tx.ExecContext(ctx, s.q(`UPDATE queue_items SET
					status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'queued' END,
					processed_at = CASE WHEN attempts >= ? THEN ? ELSE processed_at END,
					last_error = `+leaseExpiredSQL+`,
					claimed_at = NULL
				WHERE id IN (`+stale+s.d.claimLock+`)`), args...)
			if err != nil {
				return fmt.Errorf("failed to reap queue items: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Info("store.ClaimQueueItems: expired leases reclaimed", "direction", dir, "count", n)
			}
		}
		if opts.Limit <= 0 {
			return nil
		}

		sub := `SELECT id FROM queue_items WHERE status = 'queued' AND attempts < ?
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND ` + pred
		args := []interface{}{now, limit, now}
		if !opts.BacklogCutoff.IsZero() {
			sub += ` AND created_at >= ?`
			args = append(args, ts(opts.BacklogCutoff))
		}
		if !all {
			sub += ` AND tenant_id = ?`
			args = append(args, tenantID)
		}
		sub += ` ORDER BY created_at, id LIMIT ?` + s.d.claimLock
		args = append(args, opts.Limit)

		rows, err := tx.QueryContext(ctx, s.q(`UPDATE queue_items
			SET status = 'processing', attempts = attempts + 1, claimed_at = ?
			WHERE id IN (`+sub+`)
			RETURNING `+queueColumns), args...)
		if err != nil {
			return fmt.Errorf("failed to claim queue items: %w", err)
		}
		items, err = collectQueueItems(rows)
		return err
	})
	if err != nil {
		slog.Error("store.ClaimQueueItems failed", "backend", s.d.name, "direction", dir, "error", err)
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

type queueLease struct {
	status    models.QueueStatus
	attempts  int
	claimedAt *time.Time
}

// checkHeld returns nil while the item is processing under the caller's claim.
func (l queueLease) checkHeld(id string, claimedAt *time.Time) error {
	if l.status == models.QueueStatusProcessing && leaseMatches(l.claimedAt, claimedAt) {
		return nil
	}
	if claimedAt == nil {
		return fmt.Errorf("%w: queue item %s is %s", ErrInvalidTransition, id, l.status)
	}
	return ErrLeaseLost
}

func (s *sqlStore) lockQueueItem(ctx context.Context, tx *sql.Tx, op, id string) (queueLease, error) {
	var l queueLease
	var tenantID, status string
	var claimedAt sql.NullTime
	err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id, status, attempts, claimed_at FROM queue_items WHERE id = ?`+s.d.rowLock), id).
		Scan(&tenantID, &status, &l.attempts, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("failed to read queue item: %w", err)
	}
	if err := s.guard.CheckUpdate(ctx, op, tenantID, ""); err != nil {
		return l, err
	}
	l.status = models.QueueStatus(status)
	l.claimedAt = nullTimePtr(claimedAt)
	return l, nil
}

// CompleteQueueItem marks a claimed item done.
func (s *sqlStore) CompleteQueueItem(ctx context.Context, id string, claimedAt *time.Time, now time.Time) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		l, err := s.lockQueueItem(ctx, tx, "queue_items.complete", id)
		if err != nil {
			return err
		}
		if l.status == models.QueueStatusDone {
			return nil
		}
		if err := l.checkHeld(id, claimedAt); err != nil {
			return err
		}
		at := ts(now)
		_, err = tx.ExecContext(ctx, s.q(`UPDATE queue_items
			SET status = 'done', processed_at = ?, last_error = NULL,
				parsed_at = CASE WHEN payload_ref IS NOT NULL THEN ? ELSE parsed_at END
			WHERE id = ?`), at, at, id)
		if err != nil {
			return fmt.Errorf("failed to complete queue item: %w", err)
		}
		return nil
	})
}

// FailQueueItem records a failure and requeues the item for retryAt, or fails it.
func (s *sqlStore) FailQueueItem(ctx context.Context, id string, claimedAt *time.Time, errMsg string, maxAttempts int, now, retryAt time.Time) (models.QueueStatus, error) {
	var next models.QueueStatus
	err := s.tx(ctx, func(tx *sql.Tx) error {
		l, err := s.lockQueueItem(ctx, tx, "queue_items.fail", id)
		if err != nil {
			return err
		}
		if err := l.checkHeld(id, claimedAt); err != nil {
			return err
		}
		msg := models.TruncateError(errMsg)
		if l.attempts >= attemptCap(maxAttempts) {
			next = models.QueueStatusFailed
			_, err = tx.ExecContext(ctx, s.q(`UPDATE queue_items SET status = 'failed', processed_at = ?, last_error = ? WHERE id = ?`), ts(now), msg, id)
		} else {
			next = models.QueueStatusQueued
			var retry interface{}
			if !retryAt.IsZero() {
				retry = ts(retryAt)
			}
			_, err = tx.ExecContext(ctx, s.q(`UPDATE queue_items SET status = 'queued', claimed_at = NULL, last_error = ?, next_attempt_at = ? WHERE id = ?`), msg, retry, id)
		}
		if err != nil {
			return fmt.Errorf("failed to record queue item failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// GetQueueItem retrieves an item visible to the session.
func (s *sqlStore) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	tenantID, all, err := s.guard.Scope(ctx, "queue_items.get")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE id = ?`
	args := []interface{}{id}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	q, err := scanQueueItem(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return &q, nil
}

// QueueStats counts items by direction and status.
func (s *sqlStore) QueueStats(ctx context.Context) (map[models.QueueDirection]map[models.QueueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			CASE WHEN payload_ref IS NOT NULL THEN 'inbound' ELSE 'outbound' END AS direction,
			status, COUNT(*)
		FROM queue_items GROUP BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()
	stats := map[models.QueueDirection]map[models.QueueStatus]int64{
		models.QueueInbound:  {},
		models.QueueOutbound: {},
	}
	for rows.Next() {
		var dir, status string
		var n int64
		if err := rows.Scan(&dir, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[models.QueueDirection(dir)][models.QueueStatus(status)] = n
	}
	return stats, rows.Err()
}
