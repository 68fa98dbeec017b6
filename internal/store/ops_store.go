package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/util"
)

// UpsertHeartbeat writes the worker's liveness row.
func (s *sqlStore) UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	updated := hb.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO worker_heartbeats (worker_id, last_processed_at, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_processed_at = excluded.last_processed_at,
			status = excluded.status,
			updated_at = excluded.updated_at`),
		hb.WorkerID, ts(hb.LastProcessedAt), hb.Status, ts(updated))
	if err != nil {
		slog.Error("store.UpsertHeartbeat failed", "backend", s.d.name, "worker_id", hb.WorkerID, "error", err)
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat reads a worker's liveness row.
func (s *sqlStore) GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error) {
	var hb models.WorkerHeartbeat
	err := s.db.QueryRowContext(ctx, s.q(`SELECT worker_id, last_processed_at, status, updated_at FROM worker_heartbeats WHERE worker_id = ?`), workerID).
		Scan(&hb.WorkerID, &hb.LastProcessedAt, &hb.Status, &hb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	hb.LastProcessedAt = hb.LastProcessedAt.UTC()
	hb.UpdatedAt = hb.UpdatedAt.UTC()
	return &hb, nil
}

// GetBreakerConfig reads the single shared breaker config row.
func (s *sqlStore) GetBreakerConfig(ctx context.Context) (*models.BreakerConfig, error) {
	var cfg models.BreakerConfig
	var staleMS int64
	err := s.db.QueryRowContext(ctx, `SELECT worker_id, stale_threshold_ms, max_depth, version, updated_at FROM breaker_config WHERE id = 1`).
		Scan(&cfg.WorkerID, &staleMS, &cfg.MaxDepth, &cfg.Version, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker config: %w", err)
	}
	cfg.StaleThreshold = time.Duration(staleMS) * time.Millisecond
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}

// SaveBreakerConfig writes the breaker config and bumps its version.
func (s *sqlStore) SaveBreakerConfig(ctx context.Context, cfg models.BreakerConfig) (int, error) {
	if cfg.WorkerID == "" || cfg.StaleThreshold <= 0 || cfg.MaxDepth <= 0 {
		return 0, fmt.Errorf("breaker config requires worker id, positive stale threshold and positive max depth")
	}
	var version int
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO breaker_config (id, worker_id, stale_threshold_ms, max_depth, version, updated_at)
		VALUES (1, ?, ?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			worker_id = excluded.worker_id,
			stale_threshold_ms = excluded.stale_threshold_ms,
			max_depth = excluded.max_depth,
			version = breaker_config.version + 1,
			updated_at = excluded.updated_at
		RETURNING version`),
		cfg.WorkerID, cfg.StaleThreshold.Milliseconds(), cfg.MaxDepth, s.now(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save breaker config: %w", err)
	}
	slog.Info("store.SaveBreakerConfig: breaker config updated", "version", version,
		"worker_id", cfg.WorkerID, "stale_threshold", cfg.StaleThreshold, "max_depth", cfg.MaxDepth)
	return version, nil
}

// InsertQuarantine stores an unroutable notification.
func (s *sqlStore) InsertQuarantine(ctx context.Context, q models.QuarantineRecord) (string, error) {
	headers, err := marshalMap(q.Headers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal headers: %w", err)
	}
	id := q.ID
	if id == "" {
		id = util.NewID()
	}
	created := q.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO quarantine_records (id, address, history_id, reason_code, headers, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, q.Address, q.HistoryID, string(q.ReasonCode), headers, ts(created))
	if err != nil {
		slog.Error("store.InsertQuarantine failed", "backend", s.d.name, "error", err)
		return "", fmt.Errorf("failed to insert quarantine record: %w", err)
	}
	return id, nil
}

// ListQuarantine returns the newest quarantine records first.
func (s *sqlStore) ListQuarantine(ctx context.Context, limit int) ([]models.QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+quarantineColumns+` FROM quarantine_records ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()
	var out []models.QuarantineRecord
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quarantine row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RecordAudit stores an audit event.
func (s *sqlStore) RecordAudit(ctx context.Context, ev models.AuditEvent) error {
	id := ev.ID
	if id == "" {
		id = util.NewID()
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit_events (id, kind, tenant_id, actor_tenant_id, operation, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, ev.Kind, nilIfEmpty(ev.TenantID), nilIfEmpty(ev.ActorTenantID), ev.Operation, ev.Detail, ts(created))
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit events first.
func (s *sqlStore) ListAudit(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+auditColumns+` FROM audit_events ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
