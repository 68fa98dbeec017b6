package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
)

// IncrementRate bumps both windows atomically and returns the new counts.
func (s *sqlStore) IncrementRate(ctx context.Context, tenantID string, at time.Time, n int) (models.RateCounts, error) {
	var counts models.RateCounts
	tenantID, err := s.guard.StampInsert(ctx, "rate_windows.increment", tenantID)
	if err != nil {
		return counts, isolation.Audit(ctx, s, err)
	}
	upsert := s.q(`INSERT INTO rate_windows (tenant_id, window_type, window_start, count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, window_type, window_start) DO UPDATE SET count = rate_windows.count + excluded.count
		RETURNING count`)

	err = s.tx(ctx, func(tx *sql.Tx) error {
		for _, w := range []struct {
			typ models.RateWindowType
			dst *int64
		}{
			{models.RateWindowMinute, &counts.Minute},
			{models.RateWindowDay, &counts.Day},
		} {
			if err := tx.QueryRowContext(ctx, upsert, tenantID, string(w.typ), ts(w.typ.Truncate(at)), n).Scan(w.dst); err != nil {
				return fmt.Errorf("failed to increment %s window: %w", w.typ, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.RateCounts{}, err
	}
	return counts, nil
}

// GetRateCounts reads both windows without changing them.
func (s *sqlStore) GetRateCounts(ctx context.Context, tenantID string, at time.Time) (models.RateCounts, error) {
	var counts models.RateCounts
	tenantID, err := s.guard.StampInsert(ctx, "rate_windows.get", tenantID)
	if err != nil {
		return counts, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT window_type, count FROM rate_windows
		WHERE tenant_id = ? AND ((window_type = 'minute' AND window_start = ?) OR (window_type = 'day' AND window_start = ?))`),
		tenantID, ts(models.RateWindowMinute.Truncate(at)), ts(models.RateWindowDay.Truncate(at)))
	if err != nil {
		return counts, fmt.Errorf("failed to query rate windows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return counts, fmt.Errorf("failed to scan rate window: %w", err)
		}
		switch models.RateWindowType(typ) {
		case models.RateWindowMinute:
			counts.Minute = n
		case models.RateWindowDay:
			counts.Day = n
		}
	}
	return counts, rows.Err()
}

// PruneRateWindows deletes windows that can no longer be read.
func (s *sqlStore) PruneRateWindows(ctx context.Context, minuteBefore, dayBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rate_windows
		WHERE (window_type = 'minute' AND window_start < ?) OR (window_type = 'day' AND window_start < ?)`),
		ts(minuteBefore), ts(dayBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
