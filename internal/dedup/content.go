// Package dedup stores raw payloads and parsed loads once, however many
// tenants receive them.
//
// Raw content is keyed by (provider, sha256 of the bytes) and every tenant's
// sighting of it is a separate receipt. Parsed loads are keyed by a versioned
// fingerprint over their normalized core fields.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var contentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_content_ingested_total",
	Help: "Content ingests by result: inserted, incremented or duplicate.",
}, []string{"result"})

// HashContent returns the sha256 hex digest of raw.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ContentStore wraps the content repository with hashing and validation.
type ContentStore struct {
	repo store.ContentRepo
	now  func() time.Time
}

// NewContentStore creates a ContentStore.
func NewContentStore(repo store.ContentRepo) *ContentStore {
	return &ContentStore{repo: repo, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (c *ContentStore) SetClock(now func() time.Time) {
	c.now = now
}

// UpsertContent inserts the record with count 1 or increments it. Payload
// fields of an existing record are only filled in if they were empty.
func (c *ContentStore) UpsertContent(ctx context.Context, provider, contentHash, payloadRef string, size int64) (store.ContentUpsert, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" || contentHash == "" {
		return store.ContentUpsert{}, fmt.Errorf("provider and content hash are required")
	}
	return c.repo.UpsertContent(ctx, store.ContentInput{
		Provider:    provider,
		ContentHash: contentHash,
		PayloadRef:  payloadRef,
		SizeBytes:   size,
		SeenAt:      c.now(),
	})
}

// RecordReceipt records a tenant's sighting of existing content. A repeat
// (tenant, message id) is reported as Duplicate.
func (c *ContentStore) RecordReceipt(ctx context.Context, tenantID, contentID, messageID string, meta map[string]string) (store.ReceiptResult, error) {
	if contentID == "" || messageID == "" {
		return store.ReceiptResult{}, fmt.Errorf("content id and message id are required")
	}
	return c.repo.RecordReceipt(ctx, store.ReceiptInput{
		TenantID:    tenantID,
		ContentID:   contentID,
		MessageID:   messageID,
		RoutingMeta: meta,
		ReceivedAt:  c.now(),
	})
}

// Message is one fetched message for Ingest.
type Message struct {
	TenantID    string
	Provider    string
	MessageID   string
	StubID      string
	Raw         []byte
	PayloadRef  string
	RoutingMeta map[string]string
	ReceivedAt  time.Time
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	ContentID    string
	ContentHash  string
	ReceiptID    string
	Action       models.UpsertAction
	ReceiptCount int
	Duplicate    bool
}

// Ingest hashes the message and records its receipt and content in one
// transaction. A message the tenant already received is a Duplicate and does
// not count against the content record again.
func (c *ContentStore) Ingest(ctx context.Context, msg Message) (IngestResult, error) {
	provider := strings.TrimSpace(msg.Provider)
	if provider == "" || msg.MessageID == "" {
		return IngestResult{}, fmt.Errorf("provider and message id are required")
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}
	hash := HashContent(msg.Raw)
	res, err := c.repo.IngestContent(ctx,
		store.ContentInput{
			Provider:    provider,
			ContentHash: hash,
			PayloadRef:  msg.PayloadRef,
			SizeBytes:   int64(len(msg.Raw)),
			SeenAt:      received,
		},
		store.ReceiptInput{
			TenantID:    msg.TenantID,
			MessageID:   msg.MessageID,
			StubID:      msg.StubID,
			RoutingMeta: msg.RoutingMeta,
			ReceivedAt:  received,
		})
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to ingest content: %w", err)
	}

	out := IngestResult{
		ContentID:    res.Content.ContentID,
		ContentHash:  hash,
		ReceiptID:    res.Receipt.ReceiptID,
		Action:       res.Content.Action,
		ReceiptCount: res.Content.ReceiptCount,
		Duplicate:    res.Receipt.Duplicate,
	}
	if out.Duplicate {
		contentTotal.WithLabelValues("duplicate").Inc()
	} else {
		contentTotal.WithLabelValues(string(out.Action)).Inc()
	}
	return out, nil
}

// Stats reports unique content, total receipts and the reuse rate visible to
// the session.
func (c *ContentStore) Stats(ctx context.Context) (models.ContentStats, error) {
	return c.repo.ContentStats(ctx)
}
