// Package store provides the RateRepo interface for fixed-window rate counters.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// RateRepo defines the interface for per-tenant rate windows.
type RateRepo interface {
	// IncrementRate adds n to the minute and day windows containing at and
	// returns the post-increment counts.
	IncrementRate(ctx context.Context, tenantID string, at time.Time, n int) (models.RateCounts, error)

	// GetRateCounts reads the minute and day windows containing at without
	// changing them. Missing windows count as zero.
	GetRateCounts(ctx context.Context, tenantID string, at time.Time) (models.RateCounts, error)

	// PruneRateWindows deletes minute windows starting before minuteBefore and
	// day windows starting before dayBefore.
	PruneRateWindows(ctx context.Context, minuteBefore, dayBefore time.Time) (int, error)
}
