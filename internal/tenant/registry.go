package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// Registry is a seed file of tenants and their hunt rules.
type Registry struct {
	Tenants []models.Tenant
	Rules   []models.HuntRule
}

type registryFile struct {
	Tenants []tenantEntry `yaml:"tenants"`
	Rules   []ruleEntry   `yaml:"rules"`
}

// Entries default to active when the key is omitted.
type tenantEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Alias        string `yaml:"alias"`
	InboxAddress string `yaml:"inbox_address"`
	Channel      string `yaml:"channel"`
	NotifyTo     string `yaml:"notify_to"`
	Active       *bool  `yaml:"active"`
}

type ruleEntry struct {
	ID              string `yaml:"id"`
	TenantID        string `yaml:"tenant_id"`
	Name            string `yaml:"name"`
	Origin          string `yaml:"origin"`
	Destination     string `yaml:"destination"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	Active          *bool  `yaml:"active"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// LoadRegistryFile reads and validates a YAML registry seed.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates registry YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	reg := &Registry{}
	ids := make(map[string]bool)
	aliases := make(map[string]string)
	inboxes := make(map[string]string)
	for i, e := range f.Tenants {
		t := models.Tenant{
			ID:           strings.TrimSpace(e.ID),
			Name:         e.Name,
			Alias:        e.Alias,
			InboxAddress: e.InboxAddress,
			Channel:      e.Channel,
			NotifyTo:     e.NotifyTo,
			Active:       boolOr(e.Active, true),
		}
		t.Normalize()
		if t.ID == "" {
			return nil, fmt.Errorf("tenant %d: id is required", i)
		}
		if ids[t.ID] {
			return nil, fmt.Errorf("tenant %s: duplicate id", t.ID)
		}
		ids[t.ID] = true
		if t.Alias == "" && t.InboxAddress == "" {
			return nil, fmt.Errorf("tenant %s: alias or inbox_address is required", t.ID)
		}
		if strings.ContainsAny(t.Alias, "@+ ") {
			return nil, fmt.Errorf("tenant %s: alias %q must be a bare suffix", t.ID, t.Alias)
		}
		if t.Alias != "" {
			if other, ok := aliases[t.Alias]; ok {
				return nil, fmt.Errorf("tenant %s: alias %q already used by %s", t.ID, t.Alias, other)
			}
			aliases[t.Alias] = t.ID
		}
		if t.InboxAddress != "" {
			if _, _, _, ok := SplitAddress(t.InboxAddress); !ok {
				return nil, fmt.Errorf("tenant %s: invalid inbox_address %q", t.ID, t.InboxAddress)
			}
			if other, ok := inboxes[t.InboxAddress]; ok {
				return nil, fmt.Errorf("tenant %s: inbox %q already used by %s", t.ID, t.InboxAddress, other)
			}
			inboxes[t.InboxAddress] = t.ID
		}
		reg.Tenants = append(reg.Tenants, t)
	}

	for i, e := range f.Rules {
		r := models.HuntRule{
			ID:              strings.TrimSpace(e.ID),
			TenantID:        strings.TrimSpace(e.TenantID),
			Name:            e.Name,
			Origin:          e.Origin,
			Destination:     e.Destination,
			CooldownSeconds: e.CooldownSeconds,
			Active:          boolOr(e.Active, true),
		}
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if !ids[r.TenantID] {
			return nil, fmt.Errorf("rule %s: unknown tenant %q", r.ID, r.TenantID)
		}
		if r.CooldownSeconds < 0 {
			return nil, fmt.Errorf("rule %s: cooldown_seconds must not be negative", r.ID)
		}
		reg.Rules = append(reg.Rules, r)
	}
	return reg, nil
}

// RegistryWriter is the subset of the store Import writes through.
type RegistryWriter interface {
	UpsertTenant(ctx context.Context, t models.Tenant) error
	UpsertHuntRule(ctx context.Context, rule models.HuntRule) error
}

// Import upserts every tenant and rule. ctx must carry a platform session.
func Import(ctx context.Context, w RegistryWriter, reg *Registry) error {
	for _, t := range reg.Tenants {
		if err := w.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("failed to import tenant %s: %w", t.ID, err)
		}
	}
	for _, r := range reg.Rules {
		if err := w.UpsertHuntRule(ctx, r); err != nil {
			return fmt.Errorf("failed to import rule %s: %w", r.ID, err)
		}
	}
	slog.Info("tenant.Import: registry imported", "tenants", len(reg.Tenants), "rules", len(reg.Rules))
	return nil
}
