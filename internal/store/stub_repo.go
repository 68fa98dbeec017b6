// Package store provides the StubRepo interface for the inbound stub queue.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// ClaimOptions bounds a lease-based claim.
type ClaimOptions struct {
	// Limit is the maximum number of rows returned.
	Limit int
	// LeaseTimeout is how long a claim is held before the row may be reaped.
	LeaseTimeout time.Duration
	// MaxAttempts caps claims per row; rows at the cap are never claimed again.
	MaxAttempts int
	// BacklogCutoff, when non-zero, excludes rows queued before it. For stubs
	// the reaping phase also fails such rows with BacklogExpiredError.
	BacklogCutoff time.Time
}

// ClaimResult is the outcome of one claim transaction.
type ClaimResult struct {
	Stubs []models.Stub
	// Requeued counts expired leases returned to pending in the reaping phase.
	Requeued int
	// Exhausted counts expired leases marked failed because attempts ran out.
	Exhausted int
	// Expired counts pending stubs failed because they passed the backlog cutoff.
	Expired int
}

// StubRepo defines the interface for stub persistence and lease-based claiming.
type StubRepo interface {
	// InsertStub queues a stub. If a stub with the same (tenant, address,
	// history id) exists, its ID is returned with created=false.
	InsertStub(ctx context.Context, stub models.Stub) (id string, created bool, err error)

	// GetStub retrieves a stub by ID. Returns ErrNotFound if absent.
	GetStub(ctx context.Context, id string) (*models.Stub, error)

	// ClaimStubs reaps expired leases and then claims up to opts.Limit pending
	// stubs ordered by enqueue time, in a single transaction. No two concurrent
	// calls return the same stub.
	ClaimStubs(ctx context.Context, now time.Time, opts ClaimOptions) (ClaimResult, error)

	// CompleteStub marks a processing stub completed. When claimedAt is non-nil
	// the stub must still carry that claim stamp, otherwise ErrLeaseLost.
	// Completing an already completed stub is a no-op.
	CompleteStub(ctx context.Context, id string, claimedAt *time.Time, now time.Time) error

	// FailStub records err on a processing stub and returns it to pending if
	// attempts < maxAttempts, otherwise marks it failed. It returns the new status.
	FailStub(ctx context.Context, id string, claimedAt *time.Time, errMsg string, maxAttempts int, now time.Time) (models.StubStatus, error)

	// ReapStaleStubs runs only the reaping phase of ClaimStubs. Stubs is
	// always empty in the result.
	ReapStaleStubs(ctx context.Context, now time.Time, opts ClaimOptions) (ClaimResult, error)

	// SamplePendingStubs counts pending stubs, reading at most limit rows.
	SamplePendingStubs(ctx context.Context, limit int) (int, error)

	// StubStats counts stubs by status. Operator use only; it scans the table.
	StubStats(ctx context.Context) (map[models.StubStatus]int64, error)
}
