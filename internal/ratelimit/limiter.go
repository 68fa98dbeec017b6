// Package ratelimit enforces per-tenant request quotas with fixed windows.
//
// Counters live in the shared store keyed by (tenant, window type, window
// start), with windows truncated to the UTC minute and the UTC day, so every
// ingest process enforces the same quota.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Retention for PruneExpired. Windows older than these are never read again.
const (
	MinuteRetention = time.Hour
	DayRetention    = 48 * time.Hour
)

var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_ratelimit_rejections_total",
	Help: "Rate limit rejections by the window that was exceeded.",
}, []string{"window"})

// Decision is the result of a Check. Window names the exceeded window when
// Allowed is false.
type Decision struct {
	Allowed     bool                  `json:"allowed"`
	MinuteCount int64                 `json:"minute_count"`
	DayCount    int64                 `json:"day_count"`
	Window      models.RateWindowType `json:"window,omitempty"`
}

// Limiter checks and counts tenant requests.
type Limiter struct {
	repo store.RateRepo
	now  func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(repo store.RateRepo) *Limiter {
	return &Limiter{repo: repo, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check tests the tenant against the limits; a limit of zero or less is
// unlimited. A dry run only reads the counters and allows when one more
// request would fit. Otherwise both windows are incremented first and the
// post-increment counts are compared, so a rejected call still consumes quota.
func (l *Limiter) Check(ctx context.Context, tenantID string, perMinute, perDay int, dryRun bool) (Decision, error) {
	at := l.now().UTC()
	var d Decision
	if dryRun {
		counts, err := l.repo.GetRateCounts(ctx, tenantID, at)
		if err != nil {
			return d, fmt.Errorf("failed to read rate counts: %w", err)
		}
		d = Decision{Allowed: true, MinuteCount: counts.Minute, DayCount: counts.Day}
		switch {
		case perMinute > 0 && counts.Minute >= int64(perMinute):
			d.Allowed, d.Window = false, models.RateWindowMinute
		case perDay > 0 && counts.Day >= int64(perDay):
			d.Allowed, d.Window = false, models.RateWindowDay
		}
		return d, nil
	}

	counts, err := l.repo.IncrementRate(ctx, tenantID, at, 1)
	if err != nil {
		return d, fmt.Errorf("failed to increment rate counts: %w", err)
	}
	d = Decision{Allowed: true, MinuteCount: counts.Minute, DayCount: counts.Day}
	switch {
	case perMinute > 0 && counts.Minute > int64(perMinute):
		d.Allowed, d.Window = false, models.RateWindowMinute
	case perDay > 0 && counts.Day > int64(perDay):
		d.Allowed, d.Window = false, models.RateWindowDay
	}
	if !d.Allowed {
		rejectionsTotal.WithLabelValues(string(d.Window)).Inc()
		slog.Warn("Limiter.Check: rate limit exceeded", "tenant_id", tenantID, "window", d.Window,
			"minute_count", d.MinuteCount, "day_count", d.DayCount, "per_minute", perMinute, "per_day", perDay)
	}
	return d, nil
}

// Increment adds n to the tenant's current windows, for bulk accounting after
// dedup. n must be at least 1.
func (l *Limiter) Increment(ctx context.Context, tenantID string, n int) (models.RateCounts, error) {
	if n < 1 {
		return models.RateCounts{}, fmt.Errorf("increment must be at least 1, got %d", n)
	}
	counts, err := l.repo.IncrementRate(ctx, tenantID, l.now().UTC(), n)
	if err != nil {
		return models.RateCounts{}, fmt.Errorf("failed to increment rate counts: %w", err)
	}
	return counts, nil
}

// PruneExpired deletes windows past their retention.
func (l *Limiter) PruneExpired(ctx context.Context) (int, error) {
	now := l.now().UTC()
	n, err := l.repo.PruneRateWindows(ctx,
		models.RateWindowMinute.Truncate(now.Add(-MinuteRetention)),
		models.RateWindowDay.Truncate(now.Add(-DayRetention)))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("Limiter.PruneExpired: pruned rate windows", "count", n)
	}
	return n, nil
}
