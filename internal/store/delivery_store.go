package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
)

// IsDuplicateDelivery checks if an idempotency key has already been accepted.
func (s *sqlStore) IsDuplicateDelivery(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE idempotency_key = ?)`), key).Scan(&exists)
	if err != nil {
		slog.Error("store.IsDuplicateDelivery failed", "backend", s.d.name, "error", err)
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}
	return exists, nil
}

// RecordDelivery records an accepted idempotency key.
func (s *sqlStore) RecordDelivery(ctx context.Context, key, tenantID string) (bool, error) {
	tenantID, err := s.guard.StampInsert(ctx, "webhook_deliveries.insert", tenantID)
	if err != nil {
		return false, isolation.Audit(ctx, s, err)
	}
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	return s.insertDelivery(ctx, key, tenantID)
}

// RecordUnroutedDelivery records a quarantined delivery's key with no tenant.
func (s *sqlStore) RecordUnroutedDelivery(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	return s.insertDelivery(ctx, key, nil)
}

func (s *sqlStore) insertDelivery(ctx context.Context, key string, tenantID interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_deliveries (idempotency_key, tenant_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`),
		key, tenantID, s.now())
	if err != nil {
		slog.Error("store.RecordDelivery failed", "backend", s.d.name, "error", err)
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
