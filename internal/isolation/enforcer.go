package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrIsolationViolation is matched by every rejected cross-tenant write.
var ErrIsolationViolation = errors.New("tenant isolation violation")

var violationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "huntpipe_isolation_violations_total",
		Help: "Writes rejected by the tenant isolation guard, by operation.",
	},
	[]string{"op"},
)

// ViolationError describes a rejected write.
type ViolationError struct {
	Op            string
	Reason        string
	SessionTenant string
	RowTenant     string
	OtherTenant   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s (session=%q row=%q other=%q)",
		e.Op, e.Reason, e.SessionTenant, e.RowTenant, e.OtherTenant)
}

func (e *ViolationError) Unwrap() error { return ErrIsolationViolation }

// AuditSink persists violation records.
type AuditSink interface {
	RecordAudit(ctx context.Context, ev models.AuditEvent) error
}

// Enforcer implements the write-path tenant checks.
type Enforcer struct{}

// NewEnforcer creates an Enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// StampInsert returns the tenant id a new row must carry. An empty rowTenant is
// stamped from the session; an explicit one must match it unless the session is
// platform-level. Writes without a session are rejected.
func (e *Enforcer) StampInsert(ctx context.Context, op, rowTenant string) (string, error) {
	sess, ok := SessionFrom(ctx)
	switch {
	case !ok:
		return "", e.violation(op, "no tenant session", "", rowTenant, "")
	case sess.Platform:
		if rowTenant == "" {
			return "", e.violation(op, "platform insert without explicit tenant", "", rowTenant, "")
		}
		return rowTenant, nil
	case rowTenant == "":
		return sess.TenantID, nil
	case rowTenant != sess.TenantID:
		return "", e.violation(op, "explicit tenant does not match session", sess.TenantID, rowTenant, "")
	}
	return rowTenant, nil
}

// CheckUpdate rejects tenant reassignment and cross-tenant mutation unless the
// session is platform-level. An empty newTenant means tenant_id is unchanged.
func (e *Enforcer) CheckUpdate(ctx context.Context, op, currentTenant, newTenant string) error {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return e.violation(op, "no tenant session", "", currentTenant, newTenant)
	}
	if sess.Platform {
		return nil
	}
	if currentTenant != sess.TenantID {
		return e.violation(op, "row belongs to another tenant", sess.TenantID, currentTenant, newTenant)
	}
	if newTenant != "" && newTenant != currentTenant {
		return e.violation(op, "tenant reassignment", sess.TenantID, currentTenant, newTenant)
	}
	return nil
}

// CheckAssociation rejects linking two tenant-scoped parents owned by different
// tenants. The caller must re-derive both tenant ids from the datastore inside
// the write transaction. This holds for platform sessions too.
func (e *Enforcer) CheckAssociation(ctx context.Context, op, parentA, parentB string) error {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return e.violation(op, "no tenant session", "", parentA, parentB)
	}
	if parentA == "" || parentB == "" || parentA != parentB {
		return e.violation(op, "association parents belong to different tenants", sess.TenantID, parentA, parentB)
	}
	if !sess.Platform && parentA != sess.TenantID {
		return e.violation(op, "association parents not visible to session", sess.TenantID, parentA, parentB)
	}
	return nil
}

// Scope returns the tenant a read must be limited to. Platform sessions get
// all=true and may read across tenants.
func (e *Enforcer) Scope(ctx context.Context, op string) (tenantID string, all bool, err error) {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return "", false, e.violation(op, "no tenant session", "", "", "")
	}
	if sess.Platform {
		return "", true, nil
	}
	return sess.TenantID, false, nil
}

// RequirePlatform rejects any session that is not platform-level. Used for
// registry writes that no single tenant owns.
func (e *Enforcer) RequirePlatform(ctx context.Context, op string) error {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return e.violation(op, "no tenant session", "", "", "")
	}
	if !sess.Platform {
		return e.violation(op, "platform session required", sess.TenantID, "", "")
	}
	return nil
}

func (e *Enforcer) violation(op, reason, sessionTenant, rowTenant, otherTenant string) error {
	violationsTotal.WithLabelValues(op).Inc()
	slog.Warn("isolation_violation",
		"op", op, "reason", reason,
		"session_tenant", sessionTenant, "row_tenant", rowTenant, "other_tenant", otherTenant)
	return &ViolationError{
		Op:            op,
		Reason:        reason,
		SessionTenant: sessionTenant,
		RowTenant:     rowTenant,
		OtherTenant:   otherTenant,
	}
}

// Audit persists err to sink when it is a violation and returns err unchanged.
// Stores call it after the rejected transaction has rolled back.
func Audit(ctx context.Context, sink AuditSink, err error) error {
	var v *ViolationError
	if sink == nil || !errors.As(err, &v) {
		return err
	}
	ev := models.AuditEvent{
		Kind:          "isolation_violation",
		TenantID:      v.RowTenant,
		ActorTenantID: v.SessionTenant,
		Operation:     v.Op,
		Detail:        v.Error(),
		CreatedAt:     time.Now().UTC(),
	}
	if auditErr := sink.RecordAudit(context.WithoutCancel(ctx), ev); auditErr != nil {
		slog.Error("isolation.Audit: failed to persist audit event", "op", v.Op, "error", auditErr)
	}
	return err
}
