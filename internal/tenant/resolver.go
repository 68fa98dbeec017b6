// Package tenant routes inbound notifications to the tenant that owns them.
//
// Resolution runs in tiers: the +suffix of the recipient's local part is looked
// up as a tenant alias, then the whole address as a tenant inbox. Anything that
// still has no owner is quarantined; there is no fallback tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier names the step that produced a Resolution.
type Tier string

const (
	TierAlias      Tier = "alias"
	TierInbox      Tier = "inbox"
	TierQuarantine Tier = "quarantine"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_tenant_resolutions_total",
	Help: "Tenant resolutions by tier and quarantine reason.",
}, []string{"tier", "reason"})

// Repo is the subset of the store the resolver needs.
type Repo interface {
	GetTenantByAlias(ctx context.Context, alias string) (*models.Tenant, error)
	GetTenantByInbox(ctx context.Context, address string) (*models.Tenant, error)
	InsertQuarantine(ctx context.Context, q models.QuarantineRecord) (string, error)
}

// Resolution is the outcome of Resolve. Quarantined resolutions carry no tenant.
type Resolution struct {
	TenantID     string                  `json:"tenant_id,omitempty"`
	Tier         Tier                    `json:"tier"`
	Quarantined  bool                    `json:"quarantined"`
	QuarantineID string                  `json:"quarantine_id,omitempty"`
	Reason       models.QuarantineReason `json:"reason,omitempty"`
}

// Resolver maps addresses to tenants.
type Resolver struct {
	repo Repo
}

// NewResolver creates a Resolver.
func NewResolver(repo Repo) *Resolver {
	return &Resolver{repo: repo}
}

// SplitAddress lower-cases addr and returns its local part, +suffix (possibly
// empty) and domain. ok is false when addr is not a usable mailbox address.
func SplitAddress(addr string) (local, suffix, domain string, ok bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", "", false
	}
	local, domain = addr[:at], addr[at+1:]
	if strings.ContainsAny(addr, " \t\r\n<>,;") || strings.Contains(local, "@") || !strings.Contains(domain, ".") {
		return "", "", "", false
	}
	if plus := strings.Index(local, "+"); plus >= 0 {
		suffix = local[plus+1:]
		local = local[:plus]
		if local == "" || suffix == "" {
			return "", "", "", false
		}
	}
	return local, suffix, domain, true
}

// Resolve finds the owning tenant or quarantines the notification. Registry
// errors are returned as errors; they never resolve to a tenant.
func (r *Resolver) Resolve(ctx context.Context, n models.InboundNotification) (Resolution, error) {
	addr := strings.ToLower(strings.TrimSpace(n.Address))
	_, suffix, _, ok := SplitAddress(addr)
	if !ok {
		return r.quarantine(ctx, n, models.QuarantineInvalidAddress)
	}

	if suffix != "" {
		t, err := r.repo.GetTenantByAlias(ctx, suffix)
		switch {
		case err == nil:
			return r.accept(ctx, n, t, TierAlias)
		case !errors.Is(err, store.ErrNotFound):
			return Resolution{}, fmt.Errorf("alias lookup failed: %w", err)
		}
	}

	t, err := r.repo.GetTenantByInbox(ctx, addr)
	switch {
	case err == nil:
		return r.accept(ctx, n, t, TierInbox)
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("inbox lookup failed: %w", err)
	}

	if suffix != "" {
		return r.quarantine(ctx, n, models.QuarantineUnknownAlias)
	}
	return r.quarantine(ctx, n, models.QuarantineUnknownInbox)
}

func (r *Resolver) accept(ctx context.Context, n models.InboundNotification, t *models.Tenant, tier Tier) (Resolution, error) {
	if !t.Active {
		slog.Warn("Resolver.Resolve: tenant inactive", "tenant_id", t.ID, "tier", tier, "address", n.Address)
		return r.quarantine(ctx, n, models.QuarantineTenantInactive)
	}
	resolutionsTotal.WithLabelValues(string(tier), "").Inc()
	slog.Debug("Resolver.Resolve: resolved", "tenant_id", t.ID, "tier", tier)
	return Resolution{TenantID: t.ID, Tier: tier}, nil
}

func (r *Resolver) quarantine(ctx context.Context, n models.InboundNotification, reason models.QuarantineReason) (Resolution, error) {
	id, err := r.repo.InsertQuarantine(ctx, models.QuarantineRecord{
		Address:    n.Address,
		HistoryID:  n.HistoryID,
		ReasonCode: reason,
		Headers:    n.Headers,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to quarantine notification: %w", err)
	}
	resolutionsTotal.WithLabelValues(string(TierQuarantine), string(reason)).Inc()
	slog.Warn("Resolver.Resolve: notification quarantined", "reason", reason, "address", n.Address, "history_id", n.HistoryID, "quarantine_id", id)
	return Resolution{Tier: TierQuarantine, Quarantined: true, QuarantineID: id, Reason: reason}, nil
}
