package models

import (
	"strings"
	"time"
)

// Tenant is a registry entry owned by the external business application.
type Tenant struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Alias        string `json:"alias" yaml:"alias"`
	InboxAddress string `json:"inbox_address" yaml:"inbox_address"`
	Channel      string `json:"channel" yaml:"channel"`
	NotifyTo     string `json:"notify_to,omitempty" yaml:"notify_to"`
	Active       bool   `json:"active" yaml:"active"`
}

// Normalize lower-cases the routing keys.
func (t *Tenant) Normalize() {
	t.Alias = strings.ToLower(strings.TrimSpace(t.Alias))
	t.InboxAddress = strings.ToLower(strings.TrimSpace(t.InboxAddress))
}

// QuarantineReason is the reason code attached to an unroutable notification.
type QuarantineReason string

const (
	QuarantineInvalidAddress QuarantineReason = "invalid_address"
	QuarantineUnknownAlias   QuarantineReason = "unknown_alias"
	QuarantineUnknownInbox   QuarantineReason = "unknown_inbox"
	QuarantineTenantInactive QuarantineReason = "tenant_inactive"
)

// QuarantineRecord holds an unroutable notification for operator triage.
type QuarantineRecord struct {
	ID         string            `json:"id"`
	Address    string            `json:"address"`
	HistoryID  string            `json:"history_id"`
	ReasonCode QuarantineReason  `json:"reason_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// HuntRule is a tenant-defined matcher over normalized load fields. An empty
// origin or destination matches anything.
type HuntRule struct {
	ID              string `json:"id" yaml:"id"`
	TenantID        string `json:"tenant_id" yaml:"tenant_id"`
	Name            string `json:"name" yaml:"name"`
	Origin          string `json:"origin" yaml:"origin"`
	Destination     string `json:"destination" yaml:"destination"`
	CooldownSeconds int    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Active          bool   `json:"active" yaml:"active"`
}

// Cooldown returns the rule's suppression window.
func (r HuntRule) Cooldown() time.Duration {
	if r.CooldownSeconds <= 0 {
		return 0
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// HuntMatch associates a tenant's hunt rule with one of the same tenant's receipts.
type HuntMatch struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RuleID      string    `json:"rule_id"`
	ReceiptID   string    `json:"receipt_id"`
	Fingerprint string    `json:"fingerprint"`
	Triggered   bool      `json:"triggered"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEvent is a durable record of a rejected or notable write.
type AuditEvent struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	TenantID      string    `json:"tenant_id,omitempty"`
	ActorTenantID string    `json:"actor_tenant_id,omitempty"`
	Operation     string    `json:"operation"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
