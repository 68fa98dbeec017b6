package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/util"
)

// UpsertTenant creates or replaces a registry entry. Platform sessions only.
func (s *sqlStore) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if err := s.guard.RequirePlatform(ctx, "tenants.upsert"); err != nil {
		return isolation.Audit(ctx, s, err)
	}
	t.Normalize()
	if t.ID == "" {
		return models.ErrEmptyTenantID
	}
	if t.Channel == "" {
		t.Channel = "sms"
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tenants (id, name, alias, inbox_address, channel, notify_to, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			alias = excluded.alias,
			inbox_address = excluded.inbox_address,
			channel = excluded.channel,
			notify_to = excluded.notify_to,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		t.ID, t.Name, nilIfEmpty(t.Alias), nilIfEmpty(t.InboxAddress), t.Channel, nilIfEmpty(t.NotifyTo), t.Active, s.now())
	if err != nil {
		slog.Error("store.UpsertTenant failed", "backend", s.d.name, "tenant_id", t.ID, "error", err)
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqlStore) getTenantWhere(ctx context.Context, where string, arg string) (*models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, s.q(`SELECT `+tenantColumns+` FROM tenants WHERE `+where+` = ?`), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// GetTenant retrieves a tenant by ID.
func (s *sqlStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return s.getTenantWhere(ctx, "id", id)
}

// GetTenantByAlias retrieves a tenant by alias.
func (s *sqlStore) GetTenantByAlias(ctx context.Context, alias string) (*models.Tenant, error) {
	return s.getTenantWhere(ctx, "alias", strings.ToLower(strings.TrimSpace(alias)))
}

// GetTenantByInbox retrieves a tenant by inbox address.
func (s *sqlStore) GetTenantByInbox(ctx context.Context, address string) (*models.Tenant, error) {
	return s.getTenantWhere(ctx, "inbox_address", strings.ToLower(strings.TrimSpace(address)))
}

// ListTenants returns all tenants ordered by ID.
func (s *sqlStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()
	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpsertHuntRule creates or replaces a rule owned by the session's tenant.
func (s *sqlStore) UpsertHuntRule(ctx context.Context, rule models.HuntRule) error {
	if rule.ID == "" {
		return fmt.Errorf("hunt rule id is required")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM hunt_rules WHERE id = ?`+s.d.rowLock), rule.ID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			tenantID, err := s.guard.StampInsert(ctx, "hunt_rules.insert", rule.TenantID)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO hunt_rules
					(id, tenant_id, name, origin, destination, cooldown_seconds, active, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				rule.ID, tenantID, rule.Name, rule.Origin, rule.Destination, rule.CooldownSeconds, rule.Active, s.now())
			if err != nil {
				return fmt.Errorf("failed to insert hunt rule: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to read hunt rule: %w", err)
		}

		if err := s.guard.CheckUpdate(ctx, "hunt_rules.update", current, rule.TenantID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE hunt_rules
			SET name = ?, origin = ?, destination = ?, cooldown_seconds = ?, active = ?, updated_at = ?
			WHERE id = ?`),
			rule.Name, rule.Origin, rule.Destination, rule.CooldownSeconds, rule.Active, s.now(), rule.ID)
		if err != nil {
			return fmt.Errorf("failed to update hunt rule: %w", err)
		}
		return nil
	})
}

// ListHuntRules returns a tenant's rules ordered by ID.
func (s *sqlStore) ListHuntRules(ctx context.Context, tenantID string, activeOnly bool) ([]models.HuntRule, error) {
	tenantID, err := s.guard.StampInsert(ctx, "hunt_rules.list", tenantID)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + ruleColumns + ` FROM hunt_rules WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hunt rules: %w", err)
	}
	defer rows.Close()
	var rules []models.HuntRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hunt rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RecordHuntMatch links a rule to a receipt after re-deriving both owners.
func (s *sqlStore) RecordHuntMatch(ctx context.Context, m models.HuntMatch) (string, error) {
	const op = "hunt_matches.insert"
	var id string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var ruleTenant, receiptTenant string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM hunt_rules WHERE id = ?`), m.RuleID).Scan(&ruleTenant); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("hunt rule %s: %w", m.RuleID, ErrNotFound)
			}
			return fmt.Errorf("failed to read hunt rule: %w", err)
		}
		if err := tx.QueryRowContext(ctx, s.q(`SELECT tenant_id FROM receipts WHERE id = ?`), m.ReceiptID).Scan(&receiptTenant); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("receipt %s: %w", m.ReceiptID, ErrNotFound)
			}
			return fmt.Errorf("failed to read receipt: %w", err)
		}
		if err := s.guard.CheckAssociation(ctx, op, ruleTenant, receiptTenant); err != nil {
			return err
		}
		if m.TenantID == "" {
			m.TenantID = ruleTenant
		}
		tenantID, err := s.guard.StampInsert(ctx, op, m.TenantID)
		if err != nil {
			return err
		}
		if err := s.guard.CheckAssociation(ctx, op, tenantID, ruleTenant); err != nil {
			return err
		}

		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO hunt_matches (id, tenant_id, rule_id, receipt_id, fingerprint, triggered, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (rule_id, receipt_id, fingerprint) DO NOTHING
			RETURNING id`),
			util.NewID(), tenantID, m.RuleID, m.ReceiptID, m.Fingerprint, m.Triggered, ts(createdAt),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.QueryRowContext(ctx, s.q(`SELECT id FROM hunt_matches WHERE rule_id = ? AND receipt_id = ? AND fingerprint = ?`),
				m.RuleID, m.ReceiptID, m.Fingerprint).Scan(&id)
		}
		if err != nil {
			return fmt.Errorf("failed to insert hunt match: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetHuntMatch retrieves a recorded match visible to the session.
func (s *sqlStore) GetHuntMatch(ctx context.Context, ruleID, receiptID, fingerprint string) (*models.HuntMatch, error) {
	tenantID, all, err := s.guard.Scope(ctx, "hunt_matches.get")
	if err != nil {
		return nil, err
	}
	query := `SELECT id, tenant_id, rule_id, receipt_id, fingerprint, triggered, created_at
		FROM hunt_matches WHERE rule_id = ? AND receipt_id = ? AND fingerprint = ?`
	args := []interface{}{ruleID, receiptID, fingerprint}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	var m models.HuntMatch
	err = s.db.QueryRowContext(ctx, s.q(query), args...).Scan(
		&m.ID, &m.TenantID, &m.RuleID, &m.ReceiptID, &m.Fingerprint, &m.Triggered, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hunt match: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
