// Package store provides the CooldownRepo interface for notification suppression.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// CooldownInput is one gate evaluation.
type CooldownInput struct {
	TenantID        string
	RuleID          string
	Fingerprint     string
	EventReceivedAt time.Time
	// EventID, when set, makes re-evaluating the event that last triggered
	// trigger again without moving the window.
	EventID  string
	Cooldown time.Duration
	Now             time.Time
}

// CooldownRepo defines the interface for cooldown state.
type CooldownRepo interface {
	// ShouldTrigger reads the state under a row lock. An absent row is inserted
	// and triggers. A present row triggers only when EventReceivedAt is at least
	// Cooldown past last_received_at, in which case last_received_at advances to
	// EventReceivedAt. Suppressed events leave the row untouched. A repeat of
	// the last triggering EventID at the same time triggers and changes nothing.
	ShouldTrigger(ctx context.Context, in CooldownInput) (bool, error)

	// GetCooldownState retrieves the state. Returns ErrNotFound if absent.
	GetCooldownState(ctx context.Context, tenantID, ruleID, fingerprint string) (*models.CooldownState, error)
}
