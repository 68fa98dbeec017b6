// Package ingest turns a provider webhook notification into a queued stub.
//
// The path is routing, the breaker gate, the tenant quota and one insert.
// Fetching and parsing the message happen later on a worker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/ratelimit"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/BTreeMap/HuntPipe/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome is the terminal state of one notification on the ingest path.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeDropped     Outcome = "dropped"
	OutcomeRateLimited Outcome = "rate_limited"
)

// ErrMissingHistoryID rejects a notification that cannot be keyed.
var ErrMissingHistoryID = errors.New("history id is required")

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_ingest_outcomes_total",
	Help: "Inbound notifications by ingest outcome.",
}, []string{"outcome"})

// Result describes what happened to a notification.
type Result struct {
	Outcome      Outcome             `json:"outcome"`
	TenantID     string              `json:"tenant_id,omitempty"`
	StubID       string              `json:"stub_id,omitempty"`
	QuarantineID string              `json:"quarantine_id,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	RateLimit    *ratelimit.Decision `json:"rate_limit,omitempty"`
	Breaker      *breaker.State      `json:"breaker,omitempty"`
	Tier         tenant.Tier         `json:"tier,omitempty"`
}

// Limits are the per-tenant quotas applied at ingest. Zero means unlimited.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Store is the persistence the ingestor writes to.
type Store interface {
	store.StubRepo
	store.DeliveryRepo
}

// Ingestor runs the ingest path.
type Ingestor struct {
	resolver *tenant.Resolver
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	store    Store
	limits   Limits
	now      func() time.Time
}

// New creates an Ingestor.
func New(resolver *tenant.Resolver, brk *breaker.Breaker, limiter *ratelimit.Limiter, st Store, limits Limits) *Ingestor {
	return &Ingestor{
		resolver: resolver,
		breaker:  brk,
		limiter:  limiter,
		store:    st,
		limits:   limits,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (i *Ingestor) SetClock(now func() time.Time) {
	i.now = now
}

// Limits returns the configured quotas.
func (i *Ingestor) Limits() Limits { return i.limits }

// Ingest routes and queues one notification. Every outcome other than an error
// is final for this delivery; an error means nothing was queued and the
// provider may redeliver.
func (i *Ingestor) Ingest(ctx context.Context, n models.InboundNotification) (Result, error) {
	n.Normalize()
	if n.HistoryID == "" {
		return Result{}, ErrMissingHistoryID
	}

	if n.IdempotencyKey != "" {
		dup, err := i.store.IsDuplicateDelivery(ctx, n.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("failed to check delivery key: %w", err)
		}
		if dup {
			slog.Debug("Ingestor.Ingest: duplicate delivery", "idempotency_key", n.IdempotencyKey)
			return i.finish(Result{Outcome: OutcomeDuplicate, Reason: "idempotency_key"}), nil
		}
	}

	res, err := i.resolver.Resolve(ctx, n)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve tenant: %w", err)
	}
	if res.Quarantined {
		if n.IdempotencyKey != "" {
			if _, err := i.store.RecordUnroutedDelivery(ctx, n.IdempotencyKey); err != nil {
				slog.Error("Ingestor.Ingest: record unrouted delivery failed", "quarantine_id", res.QuarantineID, "idempotency_key", n.IdempotencyKey, "error", err)
			}
		}
		return i.finish(Result{
			Outcome:      OutcomeQuarantined,
			QuarantineID: res.QuarantineID,
			Reason:       string(res.Reason),
			Tier:         res.Tier,
		}), nil
	}

	st := i.breaker.Check(ctx)
	if st.Open {
		breaker.RecordDrop(st, n)
		return i.finish(Result{Outcome: OutcomeDropped, TenantID: res.TenantID, Reason: string(st.Reason), Breaker: &st}), nil
	}

	tctx := isolation.WithTenant(ctx, res.TenantID)
	d, err := i.limiter.Check(tctx, "", i.limits.PerMinute, i.limits.PerDay, false)
	if err != nil {
		return Result{}, err
	}
	if !d.Allowed {
		return i.finish(Result{Outcome: OutcomeRateLimited, TenantID: res.TenantID, Reason: string(d.Window), RateLimit: &d}), nil
	}

	id, created, err := i.store.InsertStub(tctx, models.Stub{
		Address:   n.Address,
		HistoryID: n.HistoryID,
		QueuedAt:  i.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to insert stub: %w", err)
	}
	if n.IdempotencyKey != "" {
		if _, err := i.store.RecordDelivery(tctx, n.IdempotencyKey, ""); err != nil {
			// The stub is queued and unique on its own key, so a redelivery
			// still collapses to a duplicate.
			slog.Error("Ingestor.Ingest: record delivery failed", "stub_id", id, "idempotency_key", n.IdempotencyKey, "error", err)
		}
	}

	out := Result{Outcome: OutcomeAccepted, TenantID: res.TenantID, StubID: id, Tier: res.Tier, RateLimit: &d}
	if !created {
		out.Outcome = OutcomeDuplicate
		out.Reason = "stub_exists"
	}
	slog.Info("Ingestor.Ingest: notification queued", "outcome", out.Outcome, "tenant_id", res.TenantID, "stub_id", id, "tier", res.Tier)
	return i.finish(out), nil
}

func (i *Ingestor) finish(r Result) Result {
	outcomesTotal.WithLabelValues(string(r.Outcome)).Inc()
	return r
}
