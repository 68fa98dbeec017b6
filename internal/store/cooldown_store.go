package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
)

// ShouldTrigger evaluates the cooldown for one event under a row lock.
func (s *sqlStore) ShouldTrigger(ctx context.Context, in CooldownInput) (bool, error) {
	tenantID, err := s.guard.StampInsert(ctx, "cooldown_states.upsert", in.TenantID)
	if err != nil {
		return false, isolation.Audit(ctx, s, err)
	}
	if in.RuleID == "" || in.Fingerprint == "" {
		return false, fmt.Errorf("rule id and fingerprint are required")
	}
	eventAt := ts(in.EventReceivedAt)
	now := in.Now
	if now.IsZero() {
		now = s.clock()
	}
	now = ts(now)

	var trigger bool
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var ruleTenant string
		err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM hunt_rules WHERE id = ?`), in.RuleID).Scan(&ruleTenant)
		switch {
		case err == nil:
			if err := s.guard.CheckAssociation(ctx, "cooldown_states.upsert", ruleTenant, tenantID); err != nil {
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to read hunt rule: %w", err)
		}

		var inserted string
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO cooldown_states
				(tenant_id, rule_id, fingerprint, last_received_at, last_action_at, action_count, last_event_id)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (tenant_id, rule_id, fingerprint) DO NOTHING
			RETURNING tenant_id`),
			tenantID, in.RuleID, in.Fingerprint, eventAt, now, in.EventID,
		).Scan(&inserted)
		if err == nil {
			trigger = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to insert cooldown state: %w", err)
		}

		var last sql.NullTime
		var lastEvent string
		err = tx.QueryRowContext(ctx, s.q(`SELECT last_received_at, last_event_id FROM cooldown_states
			WHERE tenant_id = ? AND rule_id = ? AND fingerprint = ?`+s.d.rowLock),
			tenantID, in.RuleID, in.Fingerprint,
		).Scan(&last, &lastEvent)
		if err != nil {
			return fmt.Errorf("failed to lock cooldown state: %w", err)
		}
		if in.EventID != "" && lastEvent == in.EventID && last.Time.UTC().Equal(eventAt) {
			slog.Debug("store.ShouldTrigger: replay of triggering event", "tenant_id", tenantID, "rule_id", in.RuleID, "event_id", in.EventID)
			trigger = true
			return nil
		}
		if !cooldownElapsed(last.Time.UTC(), eventAt, in.Cooldown) {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE cooldown_states
			SET last_received_at = ?, last_action_at = ?, action_count = action_count + 1, last_event_id = ?
			WHERE tenant_id = ? AND rule_id = ? AND fingerprint = ?`),
			eventAt, now, in.EventID, tenantID, in.RuleID, in.Fingerprint)
		if err != nil {
			return fmt.Errorf("failed to advance cooldown state: %w", err)
		}
		trigger = true
		return nil
	})
	if err != nil {
		slog.Error("store.ShouldTrigger failed", "backend", s.d.name, "tenant_id", tenantID, "rule_id", in.RuleID, "error", err)
		return false, err
	}
	return trigger, nil
}

// GetCooldownState reads the cooldown row for a (tenant, rule, fingerprint).
func (s *sqlStore) GetCooldownState(ctx context.Context, tenantID, ruleID, fingerprint string) (*models.CooldownState, error) {
	tenantID, err := s.guard.StampInsert(ctx, "cooldown_states.get", tenantID)
	if err != nil {
		return nil, err
	}
	var st models.CooldownState
	err = s.db.QueryRowContext(ctx, s.q(`SELECT tenant_id, rule_id, fingerprint, last_received_at, last_action_at, action_count, last_event_id
		FROM cooldown_states WHERE tenant_id = ? AND rule_id = ? AND fingerprint = ?`),
		tenantID, ruleID, fingerprint,
	).Scan(&st.TenantID, &st.RuleID, &st.Fingerprint, &st.LastReceivedAt, &st.LastActionAt, &st.ActionCount, &st.LastEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cooldown state: %w", err)
	}
	st.LastReceivedAt = st.LastReceivedAt.UTC()
	st.LastActionAt = st.LastActionAt.UTC()
	return &st, nil
}
