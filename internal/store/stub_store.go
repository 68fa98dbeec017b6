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

// BacklogExpiredError is recorded on pending stubs failed by the backlog cutoff.
const BacklogExpiredError = "backlog cutoff"

// InsertStub queues a stub, returning the existing ID on a repeat notification.
func (s *sqlStore) InsertStub(ctx context.Context, stub models.Stub) (string, bool, error) {
	tenantID, err := s.guard.StampInsert(ctx, "stubs.insert", stub.TenantID)
	if err != nil {
		return "", false, isolation.Audit(ctx, s, err)
	}
	id := stub.ID
	if id == "" {
		id = util.NewID()
	}
	queuedAt := stub.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.now()
	}

	var got string
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO stubs (id, tenant_id, address, history_id, status, attempts, queued_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)
		ON CONFLICT (tenant_id, address, history_id) DO NOTHING
		RETURNING id`),
		id, tenantID, stub.Address, stub.HistoryID, ts(queuedAt),
	).Scan(&got)
	if err == nil {
		slog.Debug("store.InsertStub: queued", "id", got, "tenant_id", tenantID)
		return got, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("store.InsertStub failed", "backend", s.d.name, "error", err, "tenant_id", tenantID)
		return "", false, fmt.Errorf("failed to insert stub: %w", err)
	}

	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM stubs WHERE tenant_id = ? AND address = ? AND history_id = ?`),
		tenantID, stub.Address, stub.HistoryID,
	).Scan(&got)
	if err != nil {
		return "", false, fmt.Errorf("failed to load existing stub: %w", err)
	}
	return got, false, nil
}

// GetStub retrieves a stub visible to the session.
func (s *sqlStore) GetStub(ctx context.Context, id string) (*models.Stub, error) {
	tenantID, all, err := s.guard.Scope(ctx, "stubs.get")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + stubColumns + ` FROM stubs WHERE id = ?`
	args := []interface{}{id}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	st, err := scanStub(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stub: %w", err)
	}
	return &st, nil
}

// ClaimStubs reaps expired leases and claims pending stubs in one transaction.
func (s *sqlStore) ClaimStubs(ctx context.Context, now time.Time, opts ClaimOptions) (ClaimResult, error) {
	var res ClaimResult
	tenantID, all, err := s.guard.Scope(ctx, "stubs.claim")
	if err != nil {
		return res, isolation.Audit(ctx, s, err)
	}
	now = ts(now)

	err = s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if res, err = s.reapStubs(ctx, tx, now, opts, tenantID, all); err != nil {
			return err
		}
		if opts.Limit <= 0 {
			return nil
		}

		sub := `SELECT id FROM stubs WHERE status = 'pending' AND attempts < ?`
		args := []interface{}{now, attemptCap(opts.MaxAttempts)}
		if !all {
			sub += ` AND tenant_id = ?`
			args = append(args, tenantID)
		}
		sub += ` ORDER BY queued_at, id LIMIT ?` + s.d.claimLock
		args = append(args, opts.Limit)

		rows, err := tx.QueryContext(ctx, s.q(`UPDATE stubs
			SET status = 'processing', attempts = attempts + 1, claimed_at = ?
			WHERE id IN (`+sub+`)
			RETURNING `+stubColumns), args...)
		if err != nil {
			return fmt.Errorf("failed to claim stubs: %w", err)
		}
		res.Stubs, err = collectStubs(rows)
		return err
	})
	if err != nil {
		slog.Error("store.ClaimStubs failed", "backend", s.d.name, "error", err)
		return ClaimResult{}, err
	}

	sort.Slice(res.Stubs, func(i, j int) bool {
		a, b := res.Stubs[i], res.Stubs[j]
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})
	if len(res.Stubs) > 0 || res.Requeued > 0 || res.Exhausted > 0 || res.Expired > 0 {
		slog.Debug("store.ClaimStubs", "claimed", len(res.Stubs), "requeued", res.Requeued, "exhausted", res.Exhausted, "expired", res.Expired)
	}
	return res, nil
}

// reapStubs returns expired leases to pending, or fails them once attempts are
// used up, and fails pending stubs older than the backlog cutoff. Rows another
// transaction holds are skipped. Must run inside tx.
func (s *sqlStore) reapStubs(ctx context.Context, tx *sql.Tx, now time.Time, opts ClaimOptions, tenantID string, all bool) (ClaimResult, error) {
	var res ClaimResult
	scope, scopeArgs := "", []interface{}{}
	if !all {
		scope, scopeArgs = ` AND tenant_id = ?`, []interface{}{tenantID}
	}

	if opts.LeaseTimeout > 0 {
		limit := attemptCap(opts.MaxAttempts)
		args := append([]interface{}{limit, limit, now, ts(now.Add(-opts.LeaseTimeout))}, scopeArgs...)
		rows, err := tx.QueryContext(ctx, s.q(`UPDATE stubs SET
				status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
				processed_at = CASE WHEN attempts >= ? THEN ? ELSE processed_at END,
				error = `+leaseExpiredSQL+`,
				claimed_at = NULL
			WHERE id IN (SELECT id FROM stubs WHERE status = 'processing' AND claimed_at < ?`+scope+s.d.claimLock+`)
			RETURNING status`), args...)
		if err != nil {
			return res, fmt.Errorf("failed to reap stubs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			if err := rows.Scan(&status); err != nil {
				return res, fmt.Errorf("failed to scan reaped stub: %w", err)
			}
			if models.StubStatus(status) == models.StubStatusFailed {
				res.Exhausted++
			} else {
				res.Requeued++
			}
		}
		if err := rows.Err(); err != nil {
			return res, fmt.Errorf("reaped stub iteration failed: %w", err)
		}
		rows.Close()
	}

	if !opts.BacklogCutoff.IsZero() {
		args := append([]interface{}{now, BacklogExpiredError, ts(opts.BacklogCutoff)}, scopeArgs...)
		r, err := tx.ExecContext(ctx, s.q(`UPDATE stubs SET status = 'failed', processed_at = ?, error = ?, claimed_at = NULL
			WHERE id IN (SELECT id FROM stubs WHERE status = 'pending' AND queued_at < ?`+scope+s.d.claimLock+`)`), args...)
		if err != nil {
			return res, fmt.Errorf("failed to expire backlog: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to read rows affected: %w", err)
		}
		res.Expired = int(n)
	}

	if res.Requeued > 0 || res.Exhausted > 0 || res.Expired > 0 {
		slog.Info("store.reapStubs: stubs reclaimed", "requeued", res.Requeued, "exhausted", res.Exhausted, "expired", res.Expired)
	}
	return res, nil
}

// ReapStaleStubs runs the reaping phase on its own. opts.Limit is ignored.
func (s *sqlStore) ReapStaleStubs(ctx context.Context, now time.Time, opts ClaimOptions) (ClaimResult, error) {
	tenantID, all, err := s.guard.Scope(ctx, "stubs.reap")
	if err != nil {
		return ClaimResult{}, isolation.Audit(ctx, s, err)
	}
	var res ClaimResult
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.reapStubs(ctx, tx, ts(now), opts, tenantID, all)
		return err
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

type stubLease struct {
	tenantID  string
	status    models.StubStatus
	attempts  int
	claimedAt *time.Time
}

// lockStub reads the stub's lease fields under a row lock and checks the
// session may mutate it.
func (s *sqlStore) lockStub(ctx context.Context, tx *sql.Tx, op, id string) (stubLease, error) {
	var l stubLease
	var status string
	var claimedAt sql.NullTime
	err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id, status, attempts, claimed_at FROM stubs WHERE id = ?`+s.d.rowLock), id).
		Scan(&l.tenantID, &status, &l.attempts, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("failed to read stub: %w", err)
	}
	l.status = models.StubStatus(status)
	l.claimedAt = nullTimePtr(claimedAt)
	if err := s.guard.CheckUpdate(ctx, op, l.tenantID, ""); err != nil {
		return l, err
	}
	return l, nil
}

// holds reports whether the lease still carries the caller's claim stamp.
func (l stubLease) holds(claimedAt *time.Time) bool {
	if l.status != models.StubStatusProcessing {
		return false
	}
	return leaseMatches(l.claimedAt, claimedAt)
}

// leaseMatches reports whether the row's claim stamp equals the caller's
// token. A nil token matches any claim.
func leaseMatches(current, token *time.Time) bool {
	if token == nil {
		return true
	}
	return current != nil && current.Equal(ts(*token))
}

// CompleteStub marks a claimed stub completed.
func (s *sqlStore) CompleteStub(ctx context.Context, id string, claimedAt *time.Time, now time.Time) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		l, err := s.lockStub(ctx, tx, "stubs.complete", id)
		if err != nil {
			return err
		}
		if l.status == models.StubStatusCompleted {
			return nil
		}
		if !l.holds(claimedAt) {
			if claimedAt == nil {
				return fmt.Errorf("%w: stub %s is %s", ErrInvalidTransition, id, l.status)
			}
			return ErrLeaseLost
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE stubs SET status = 'completed', processed_at = ?, error = NULL WHERE id = ?`), ts(now), id)
		if err != nil {
			return fmt.Errorf("failed to complete stub: %w", err)
		}
		return nil
	})
}

// FailStub records a processing failure and requeues or fails the stub.
func (s *sqlStore) FailStub(ctx context.Context, id string, claimedAt *time.Time, errMsg string, maxAttempts int, now time.Time) (models.StubStatus, error) {
	var next models.StubStatus
	err := s.tx(ctx, func(tx *sql.Tx) error {
		l, err := s.lockStub(ctx, tx, "stubs.fail", id)
		if err != nil {
			return err
		}
		if !l.holds(claimedAt) {
			if claimedAt == nil {
				return fmt.Errorf("%w: stub %s is %s", ErrInvalidTransition, id, l.status)
			}
			return ErrLeaseLost
		}
		msg := models.TruncateError(errMsg)
		if l.attempts >= attemptCap(maxAttempts) {
			next = models.StubStatusFailed
			_, err = tx.ExecContext(ctx, s.q(`UPDATE stubs SET status = 'failed', processed_at = ?, error = ? WHERE id = ?`), ts(now), msg, id)
		} else {
			next = models.StubStatusPending
			_, err = tx.ExecContext(ctx, s.q(`UPDATE stubs SET status = 'pending', claimed_at = NULL, error = ? WHERE id = ?`), msg, id)
		}
		if err != nil {
			return fmt.Errorf("failed to record stub failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Debug("store.FailStub", "id", id, "status", next)
	return next, nil
}

// SamplePendingStubs counts pending stubs without reading more than limit rows.
func (s *sqlStore) SamplePendingStubs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM (SELECT 1 FROM stubs WHERE status = 'pending' LIMIT ?) AS sample`), limit).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to sample pending stubs: %w", err)
	}
	return n, nil
}

// StubStats counts stubs by status.
func (s *sqlStore) StubStats(ctx context.Context) (map[models.StubStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM stubs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stub stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[models.StubStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stub stats: %w", err)
		}
		stats[models.StubStatus(status)] = n
	}
	return stats, rows.Err()
}
