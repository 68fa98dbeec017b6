// Package store provides the OpsRepo interface for operational records.
package store

import (
	"context"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// OpsRepo covers the worker heartbeat, the breaker config record and the
// quarantine and audit trails.
type OpsRepo interface {
	// UpsertHeartbeat writes the worker's liveness row.
	UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error

	// GetHeartbeat reads a worker's liveness row. Returns ErrNotFound if absent.
	GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)

	// GetBreakerConfig reads the shared breaker config. Returns ErrNotFound if
	// it was never saved.
	GetBreakerConfig(ctx context.Context) (*models.BreakerConfig, error)

	// SaveBreakerConfig writes the config and returns the new version.
	SaveBreakerConfig(ctx context.Context, cfg models.BreakerConfig) (int, error)

	// InsertQuarantine stores an unroutable notification and returns its ID.
	InsertQuarantine(ctx context.Context, q models.QuarantineRecord) (string, error)

	// ListQuarantine returns the newest quarantine records first.
	ListQuarantine(ctx context.Context, limit int) ([]models.QuarantineRecord, error)

	// RecordAudit stores an audit event. It satisfies isolation.AuditSink.
	RecordAudit(ctx context.Context, ev models.AuditEvent) error

	// ListAudit returns the newest audit events first.
	ListAudit(ctx context.Context, limit int) ([]models.AuditEvent, error)
}
