// Package cooldown suppresses repeat notifications for the same load.
//
// State is kept per (tenant, rule, fingerprint) and compared in event time:
// an event triggers only when it was received at least one cooldown window
// after the last triggering event, whatever order workers process them in.
package cooldown

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonTriggered  Reason = "triggered"
	ReasonSuppressed Reason = "cooldown_active"
	ReasonGateError  Reason = "gate_error"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_cooldown_decisions_total",
	Help: "Cooldown gate decisions by trigger and reason.",
}, []string{"trigger", "reason"})

// Decision is the gate's verdict. A suppressed event is not an error.
type Decision struct {
	Trigger bool   `json:"trigger"`
	Reason  Reason `json:"reason"`
}

// Gate evaluates cooldowns against the shared store.
type Gate struct {
	repo store.CooldownRepo
	now  func() time.Time
}

// NewGate creates a Gate.
func NewGate(repo store.CooldownRepo) *Gate {
	return &Gate{repo: repo, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// ShouldTrigger decides whether an event received at eventReceivedAt fires the
// rule. A negative cooldown is treated as zero. If the state cannot be read or
// written the gate fails closed and reports ReasonGateError.
func (g *Gate) ShouldTrigger(ctx context.Context, tenantID, ruleID, fingerprint string, eventReceivedAt time.Time, cooldownSeconds int) Decision {
	return g.ShouldTriggerEvent(ctx, tenantID, ruleID, fingerprint, "", eventReceivedAt, cooldownSeconds)
}

// ShouldTriggerEvent is ShouldTrigger for an identified event. Evaluating the
// event that last fired the rule again returns the same trigger, so a retried
// event keeps its notification.
func (g *Gate) ShouldTriggerEvent(ctx context.Context, tenantID, ruleID, fingerprint, eventID string, eventReceivedAt time.Time, cooldownSeconds int) Decision {
	if cooldownSeconds < 0 {
		cooldownSeconds = 0
	}
	cooldown := time.Duration(cooldownSeconds) * time.Second

	trigger, err := g.repo.ShouldTrigger(ctx, store.CooldownInput{
		TenantID:        tenantID,
		RuleID:          ruleID,
		Fingerprint:     fingerprint,
		EventReceivedAt: eventReceivedAt,
		EventID:         eventID,
		Cooldown:        cooldown,
		Now:             g.now(),
	})
	if err != nil {
		decisionsTotal.WithLabelValues("false", string(ReasonGateError)).Inc()
		slog.Error("Gate.ShouldTrigger: failing closed", "tenant_id", tenantID, "rule_id", ruleID, "fingerprint", fingerprint, "error", err)
		return Decision{Reason: ReasonGateError}
	}

	d := Decision{Trigger: trigger, Reason: ReasonSuppressed}
	if trigger {
		d.Reason = ReasonTriggered
	}
	decisionsTotal.WithLabelValues(boolLabel(d.Trigger), string(d.Reason)).Inc()
	slog.Debug("Gate.ShouldTrigger", "tenant_id", tenantID, "rule_id", ruleID, "trigger", d.Trigger, "reason", d.Reason)
	return d
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
