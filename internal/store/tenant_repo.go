// Package store provides the TenantRepo interface for the tenant registry and hunt rules.
package store

import (
	"context"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// TenantRepo defines the interface for the tenant registry and tenant-owned rules.
type TenantRepo interface {
	// UpsertTenant creates or replaces a registry entry.
	UpsertTenant(ctx context.Context, t models.Tenant) error

	// GetTenant retrieves a tenant by ID. Returns ErrNotFound if absent.
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)

	// GetTenantByAlias looks up a tenant by its lower-cased alias.
	// Returns ErrNotFound if absent.
	GetTenantByAlias(ctx context.Context, alias string) (*models.Tenant, error)

	// GetTenantByInbox looks up a tenant by its lower-cased inbox address.
	// Returns ErrNotFound if absent.
	GetTenantByInbox(ctx context.Context, address string) (*models.Tenant, error)

	// ListTenants returns all registry entries.
	ListTenants(ctx context.Context) ([]models.Tenant, error)

	// UpsertHuntRule creates or replaces a rule. Reassigning a rule to another
	// tenant is an isolation violation.
	UpsertHuntRule(ctx context.Context, rule models.HuntRule) error

	// ListHuntRules returns the tenant's rules.
	ListHuntRules(ctx context.Context, tenantID string, activeOnly bool) ([]models.HuntRule, error)

	// RecordHuntMatch associates a rule with a receipt. Both parents' tenants are
	// re-derived inside the transaction and must agree. A repeat of the same
	// (rule, receipt, fingerprint) returns the existing ID.
	RecordHuntMatch(ctx context.Context, m models.HuntMatch) (string, error)

	// GetHuntMatch returns the match recorded for (rule, receipt, fingerprint)
	// if the session can see it. Returns ErrNotFound if absent.
	GetHuntMatch(ctx context.Context, ruleID, receiptID, fingerprint string) (*models.HuntMatch, error)
}
