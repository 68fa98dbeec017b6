// Package pipeline processes claimed stubs: fetch, content dedup, load
// fingerprinting, hunt-rule matching, cooldown and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/claim"
	"github.com/BTreeMap/HuntPipe/internal/cooldown"
	"github.com/BTreeMap/HuntPipe/internal/dedup"
	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/queue"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_pipeline_matches_total",
	Help: "Hunt rule matches by whether the cooldown gate let them notify.",
}, []string{"triggered"})

// RuleRepo is the registry access the processor needs.
type RuleRepo interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListHuntRules(ctx context.Context, tenantID string, activeOnly bool) ([]models.HuntRule, error)
	RecordHuntMatch(ctx context.Context, m models.HuntMatch) (string, error)
	GetHuntMatch(ctx context.Context, ruleID, receiptID, fingerprint string) (*models.HuntMatch, error)
}

// Summary reports what one stub produced.
type Summary struct {
	ReceiptID string
	Duplicate bool
	Loads     int
	Matches   int
	Notified  int
}

// Processor handles one stub at a time. It is safe for concurrent use.
type Processor struct {
	fetcher  Fetcher
	content  *dedup.ContentStore
	loads    *dedup.LoadStore
	gate     *cooldown.Gate
	rules    RuleRepo
	outbound *queue.Multiplexer
}

// NewProcessor creates a Processor.
func NewProcessor(fetcher Fetcher, content *dedup.ContentStore, loads *dedup.LoadStore, gate *cooldown.Gate, rules RuleRepo, outbound *queue.Multiplexer) *Processor {
	return &Processor{
		fetcher:  fetcher,
		content:  content,
		loads:    loads,
		gate:     gate,
		rules:    rules,
		outbound: outbound,
	}
}

// Handle is a claim.Handler. A message the provider no longer has fails the
// stub without further attempts.
func (p *Processor) Handle(ctx context.Context, stub models.Stub) error {
	_, err := p.Process(ctx, stub)
	if errors.Is(err, ErrMessageGone) {
		return claim.Permanent(err)
	}
	return err
}

// Process runs the stub through the pipeline under the stub's tenant session.
// Every step is idempotent, so a retried stub repeats no side effect: a
// repeated receipt skips load counting, a recorded match keeps its gate
// decision, and notifications are keyed by match.
func (p *Processor) Process(ctx context.Context, stub models.Stub) (Summary, error) {
	ctx = isolation.WithTenant(ctx, stub.TenantID)
	var sum Summary

	msg, err := p.fetcher.Fetch(ctx, stub)
	if err != nil {
		return sum, fmt.Errorf("failed to fetch stub %s: %w", stub.ID, err)
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = stub.QueuedAt
	}

	meta := map[string]string{"address": stub.Address, "history_id": stub.HistoryID}
	for k, v := range msg.Headers {
		meta["header:"+k] = v
	}
	ir, err := p.content.Ingest(ctx, dedup.Message{
		Provider:    msg.Provider,
		MessageID:   msg.MessageID,
		StubID:      stub.ID,
		Raw:         []byte(msg.Payload),
		PayloadRef:  msg.PayloadRef,
		RoutingMeta: meta,
		ReceivedAt:  receivedAt,
	})
	if err != nil {
		return sum, err
	}
	sum.ReceiptID, sum.Duplicate = ir.ReceiptID, ir.Duplicate

	rules, err := p.rules.ListHuntRules(ctx, "", true)
	if err != nil {
		return sum, fmt.Errorf("failed to list hunt rules: %w", err)
	}
	var recipient string
	if len(rules) > 0 {
		t, err := p.rules.GetTenant(ctx, stub.TenantID)
		if err != nil {
			return sum, fmt.Errorf("failed to load tenant: %w", err)
		}
		recipient = t.NotifyTo
	}

	for _, load := range msg.Loads {
		fp, err := p.fingerprint(ctx, load, receivedAt, ir.Duplicate)
		if errors.Is(err, dedup.ErrEmptyLoad) {
			slog.Warn("Processor.Process: skipping empty load", "stub_id", stub.ID)
			continue
		}
		if err != nil {
			return sum, err
		}
		sum.Loads++

		for _, rule := range rules {
			if !Matches(rule, fp.Canonical) {
				continue
			}
			sum.Matches++
			notified, err := p.match(ctx, rule, ir.ReceiptID, fp, load, receivedAt, recipient)
			if err != nil {
				return sum, err
			}
			if notified {
				sum.Notified++
			}
		}
	}

	slog.Info("Processor.Process: stub processed", "stub_id", stub.ID, "tenant_id", stub.TenantID, "receipt_id", ir.ReceiptID,
		"duplicate", ir.Duplicate, "loads", sum.Loads, "matches", sum.Matches, "notified", sum.Notified)
	return sum, nil
}

// fingerprint counts the load once per receipt. On a repeated receipt the
// fingerprint is computed without touching load_contents.
func (p *Processor) fingerprint(ctx context.Context, load models.Load, seenAt time.Time, repeat bool) (dedup.Fingerprinted, error) {
	if repeat {
		return dedup.Fingerprint(load)
	}
	fp, _, err := p.loads.Upsert(ctx, load, seenAt)
	return fp, err
}

// match gates one rule hit and queues its alert. The match row and the gate
// are both keyed by receipt, so a retry after a partial failure queues the
// alert the first attempt decided on.
func (p *Processor) match(ctx context.Context, rule models.HuntRule, receiptID string, fp dedup.Fingerprinted, load models.Load, receivedAt time.Time, recipient string) (bool, error) {
	var matchID string
	var trigger bool
	prior, err := p.rules.GetHuntMatch(ctx, rule.ID, receiptID, fp.Fingerprint)
	switch {
	case err == nil:
		matchID, trigger = prior.ID, prior.Triggered
		slog.Debug("Processor.match: match already recorded", "rule_id", rule.ID, "match_id", matchID, "triggered", trigger)
	case errors.Is(err, store.ErrNotFound):
		d := p.gate.ShouldTriggerEvent(ctx, "", rule.ID, fp.Fingerprint, receiptID, receivedAt, rule.CooldownSeconds)
		if d.Reason == cooldown.ReasonGateError {
			return false, fmt.Errorf("cooldown gate unavailable for rule %s", rule.ID)
		}
		matchesTotal.WithLabelValues(fmt.Sprint(d.Trigger)).Inc()
		trigger = d.Trigger
		matchID, err = p.rules.RecordHuntMatch(ctx, models.HuntMatch{
			RuleID:      rule.ID,
			ReceiptID:   receiptID,
			Fingerprint: fp.Fingerprint,
			Triggered:   d.Trigger,
		})
		if err != nil {
			return false, fmt.Errorf("failed to record hunt match: %w", err)
		}
		if !d.Trigger {
			slog.Debug("Processor.match: suppressed", "rule_id", rule.ID, "fingerprint", fp.Fingerprint, "reason", d.Reason)
		}
	default:
		return false, fmt.Errorf("failed to read hunt match: %w", err)
	}
	if !trigger {
		return false, nil
	}
	if recipient == "" {
		slog.Warn("Processor.match: tenant has no notify_to, alert not queued", "rule_id", rule.ID, "match_id", matchID)
		return false, nil
	}

	subject, body := FormatAlert(rule, fp.Canonical, load)
	if _, _, err := p.outbound.EnqueueOutbound(ctx, "", "match:"+matchID, recipient, subject, body); err != nil {
		return false, err
	}
	return true, nil
}

// Matches reports whether the rule selects the load. Rule fields are
// normalized like load fields; an empty field matches anything, and a
// non-empty one must appear as whole words in the load's field.
func Matches(rule models.HuntRule, load dedup.CanonicalLoad) bool {
	return fieldMatches(rule.Origin, load.Origin) && fieldMatches(rule.Destination, load.Destination)
}

func fieldMatches(ruleField, loadField string) bool {
	want := dedup.NormalizeLocation(ruleField)
	if want == "" {
		return true
	}
	return strings.Contains(" "+loadField+" ", " "+want+" ")
}

// FormatAlert renders the outbound notification for a triggered match.
func FormatAlert(rule models.HuntRule, c dedup.CanonicalLoad, load models.Load) (subject, body string) {
	subject = "Load match: " + rule.Name
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s", orDash(c.Origin), orDash(c.Destination))
	if c.PickupDate != "" {
		fmt.Fprintf(&b, "\nPickup: %s", c.PickupDate)
	}
	if c.Reference != "" {
		fmt.Fprintf(&b, "\nRef: %s", c.Reference)
	}
	if load.Equipment != "" {
		fmt.Fprintf(&b, "\nEquipment: %s", load.Equipment)
	}
	if load.Rate != "" {
		fmt.Fprintf(&b, "\nRate: %s", load.Rate)
	}
	return subject, b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
