// Package store provides the QueueRepo interface for the shared inbound/outbound queue.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// QueueRepo defines the interface for the multiplexed queue table.
type QueueRepo interface {
	// EnqueueQueueItem inserts an item. If (tenant, dedupe key) already exists,
	// the existing ID is returned with created=false.
	EnqueueQueueItem(ctx context.Context, item models.QueueItem) (id string, created bool, err error)

	// ClaimQueueItems reaps expired leases for the direction and claims up to
	// opts.Limit queued items matching the direction's predicate.
	ClaimQueueItems(ctx context.Context, dir models.QueueDirection, now time.Time, opts ClaimOptions) ([]models.QueueItem, error)

	// CompleteQueueItem marks a processing item done. Inbound items also get
	// parsed_at stamped. When claimedAt is non-nil the item must still carry
	// that claim stamp, otherwise ErrLeaseLost.
	CompleteQueueItem(ctx context.Context, id string, claimedAt *time.Time, now time.Time) error

	// FailQueueItem records err and requeues the item, not claimable before
	// retryAt, or marks it failed once attempts reach maxAttempts. A zero retryAt
	// makes it claimable immediately. claimedAt guards the lease as in
	// CompleteQueueItem. It returns the new status.
	FailQueueItem(ctx context.Context, id string, claimedAt *time.Time, errMsg string, maxAttempts int, now, retryAt time.Time) (models.QueueStatus, error)

	// GetQueueItem retrieves an item by ID. Returns ErrNotFound if absent.
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)

	// QueueStats counts items by direction and status.
	QueueStats(ctx context.Context) (map[models.QueueDirection]map[models.QueueStatus]int64, error)
}
