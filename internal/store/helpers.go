package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
)

// Column lists shared by both backends; scan helpers below expect this order.
const (
	stubColumns       = `id, tenant_id, address, history_id, status, attempts, queued_at, claimed_at, processed_at, error`
	queueColumns      = `id, tenant_id, dedupe_key, payload_ref, recipient, subject, body, status, attempts, claimed_at, parsed_at, processed_at, last_error, next_attempt_at, created_at`
	contentColumns    = `id, provider, content_hash, payload_ref, size_bytes, receipt_count, first_seen_at, last_seen_at`
	receiptColumns    = `id, tenant_id, content_id, message_id, stub_id, routing_meta, received_at`
	loadColumns       = `id, fingerprint, fingerprint_version, canonical_json, receipt_count, first_seen_at, last_seen_at`
	tenantColumns     = `id, name, alias, inbox_address, channel, notify_to, active`
	ruleColumns       = `id, tenant_id, name, origin, destination, cooldown_seconds, active`
	quarantineColumns = `id, address, history_id, reason_code, headers, created_at`
	auditColumns      = `id, kind, tenant_id, actor_tenant_id, operation, detail, created_at`
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for zero, otherwise n.
func nilIfZero(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// ts normalizes a timestamp for storage: UTC at microsecond precision, which
// is what Postgres keeps, so values read back compare equal to values written.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// runInTx runs fn inside a transaction, rolling back on error. Isolation
// violations are audited after the rollback so the audit write never joins the
// rejected transaction.
func runInTx(ctx context.Context, db *sql.DB, sink isolation.AuditSink, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("store.runInTx: rollback failed", "error", rbErr)
		}
		return isolation.Audit(ctx, sink, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

func marshalMap(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		slog.Warn("store.unmarshalMap: invalid JSON column, ignoring", "error", err)
		return nil
	}
	return m
}

// scanStub scans a Stub in stubColumns order.
func scanStub(row rowScanner) (models.Stub, error) {
	var st models.Stub
	var status string
	var claimedAt, processedAt sql.NullTime
	var errText sql.NullString
	err := row.Scan(
		&st.ID, &st.TenantID, &st.Address, &st.HistoryID, &status, &st.Attempts,
		&st.QueuedAt, &claimedAt, &processedAt, &errText,
	)
	if err != nil {
		return st, err
	}
	st.Status = models.StubStatus(status)
	st.QueuedAt = st.QueuedAt.UTC()
	st.ClaimedAt = nullTimePtr(claimedAt)
	st.ProcessedAt = nullTimePtr(processedAt)
	st.Error = errText.String
	return st, nil
}

func collectStubs(rows *sql.Rows) ([]models.Stub, error) {
	defer rows.Close()
	var stubs []models.Stub
	for rows.Next() {
		st, err := scanStub(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stub failed: %w", err)
		}
		stubs = append(stubs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stub iteration failed: %w", err)
	}
	return stubs, nil
}

// scanQueueItem scans a QueueItem in queueColumns order.
func scanQueueItem(row rowScanner) (models.QueueItem, error) {
	var q models.QueueItem
	var status string
	var payloadRef, recipient, subject, body, lastError sql.NullString
	var claimedAt, parsedAt, processedAt, nextAttempt sql.NullTime
	err := row.Scan(
		&q.ID, &q.TenantID, &q.DedupeKey, &payloadRef, &recipient, &subject, &body,
		&status, &q.Attempts, &claimedAt, &parsedAt, &processedAt, &lastError, &nextAttempt, &q.CreatedAt,
	)
	if err != nil {
		return q, err
	}
	q.PayloadRef = payloadRef.String
	q.Recipient = recipient.String
	q.Subject = subject.String
	q.Body = body.String
	q.Status = models.QueueStatus(status)
	q.ClaimedAt = nullTimePtr(claimedAt)
	q.ParsedAt = nullTimePtr(parsedAt)
	q.ProcessedAt = nullTimePtr(processedAt)
	q.LastError = lastError.String
	q.NextAttemptAt = nullTimePtr(nextAttempt)
	q.CreatedAt = q.CreatedAt.UTC()
	return q, nil
}

func collectQueueItems(rows *sql.Rows) ([]models.QueueItem, error) {
	defer rows.Close()
	var items []models.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item failed: %w", err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue item iteration failed: %w", err)
	}
	return items, nil
}

// scanContent scans a ContentRecord in contentColumns order.
func scanContent(row rowScanner) (models.ContentRecord, error) {
	var c models.ContentRecord
	var payloadRef sql.NullString
	var size sql.NullInt64
	err := row.Scan(&c.ID, &c.Provider, &c.ContentHash, &payloadRef, &size, &c.ReceiptCount, &c.FirstSeenAt, &c.LastSeenAt)
	if err != nil {
		return c, err
	}
	c.PayloadRef = payloadRef.String
	c.SizeBytes = size.Int64
	c.FirstSeenAt = c.FirstSeenAt.UTC()
	c.LastSeenAt = c.LastSeenAt.UTC()
	return c, nil
}

// scanReceipt scans a Receipt in receiptColumns order.
func scanReceipt(row rowScanner) (models.Receipt, error) {
	var r models.Receipt
	var stubID, meta sql.NullString
	err := row.Scan(&r.ID, &r.TenantID, &r.ContentID, &r.MessageID, &stubID, &meta, &r.ReceivedAt)
	if err != nil {
		return r, err
	}
	r.StubID = stubID.String
	r.RoutingMeta = unmarshalMap(meta)
	r.ReceivedAt = r.ReceivedAt.UTC()
	return r, nil
}

// scanLoad scans a LoadContent in loadColumns order.
func scanLoad(row rowScanner) (models.LoadContent, error) {
	var l models.LoadContent
	err := row.Scan(&l.ID, &l.Fingerprint, &l.FingerprintVersion, &l.CanonicalJSON, &l.ReceiptCount, &l.FirstSeenAt, &l.LastSeenAt)
	if err != nil {
		return l, err
	}
	l.FirstSeenAt = l.FirstSeenAt.UTC()
	l.LastSeenAt = l.LastSeenAt.UTC()
	return l, nil
}

// scanTenant scans a Tenant in tenantColumns order.
func scanTenant(row rowScanner) (models.Tenant, error) {
	var t models.Tenant
	var alias, inbox, notifyTo sql.NullString
	err := row.Scan(&t.ID, &t.Name, &alias, &inbox, &t.Channel, &notifyTo, &t.Active)
	if err != nil {
		return t, err
	}
	t.Alias = alias.String
	t.InboxAddress = inbox.String
	t.NotifyTo = notifyTo.String
	return t, nil
}

// scanRule scans a HuntRule in ruleColumns order.
func scanRule(row rowScanner) (models.HuntRule, error) {
	var r models.HuntRule
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Origin, &r.Destination, &r.CooldownSeconds, &r.Active)
	return r, err
}

// scanQuarantine scans a QuarantineRecord in quarantineColumns order.
func scanQuarantine(row rowScanner) (models.QuarantineRecord, error) {
	var q models.QuarantineRecord
	var reason string
	var headers sql.NullString
	err := row.Scan(&q.ID, &q.Address, &q.HistoryID, &reason, &headers, &q.CreatedAt)
	if err != nil {
		return q, err
	}
	q.ReasonCode = models.QuarantineReason(reason)
	q.Headers = unmarshalMap(headers)
	q.CreatedAt = q.CreatedAt.UTC()
	return q, nil
}

// scanAudit scans an AuditEvent in auditColumns order.
func scanAudit(row rowScanner) (models.AuditEvent, error) {
	var a models.AuditEvent
	var tenantID, actor sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &tenantID, &actor, &a.Operation, &a.Detail, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.TenantID = tenantID.String
	a.ActorTenantID = actor.String
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// leaseExpiredSQL renders the error recorded on rows whose lease was reaped.
const leaseExpiredSQL = `'lease expired after ' || CAST(attempts AS TEXT) || ' attempts'`

// attemptCap maps a non-positive cap to "unbounded".
func attemptCap(maxAttempts int) int {
	if maxAttempts <= 0 {
		return math.MaxInt32
	}
	return maxAttempts
}

// cooldownElapsed reports whether an event at eventAt clears the window that
// started at lastReceived.
func cooldownElapsed(lastReceived, eventAt time.Time, cooldown time.Duration) bool {
	if cooldown < 0 {
		cooldown = 0
	}
	return !eventAt.Before(lastReceived.Add(cooldown))
}
