// Package store provides the ContentRepo interface for content-addressable dedup.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
)

// ContentInput identifies a raw payload by (provider, content hash).
type ContentInput struct {
	Provider    string
	ContentHash string
	PayloadRef  string
	SizeBytes   int64
	SeenAt      time.Time
}

// ContentUpsert is the result of an insert-or-increment.
type ContentUpsert struct {
	ContentID    string
	Action       models.UpsertAction
	ReceiptCount int
}

// ReceiptInput is a tenant-scoped receipt for a content record.
type ReceiptInput struct {
	TenantID    string
	ContentID   string
	MessageID   string
	StubID      string
	RoutingMeta map[string]string
	ReceivedAt  time.Time
}

// ReceiptResult reports whether a receipt was new.
type ReceiptResult struct {
	ReceiptID string
	Duplicate bool
}

// IngestResult is the outcome of IngestContent.
type IngestResult struct {
	Content ContentUpsert
	Receipt ReceiptResult
}

// LoadInput is a canonicalized, fingerprinted load.
type LoadInput struct {
	Fingerprint   string
	Version       int
	CanonicalJSON string
	SeenAt        time.Time
}

// ContentRepo defines the interface for content and load dedup.
type ContentRepo interface {
	// UpsertContent inserts the record with count 1 or increments the existing
	// one. Payload fields are only backfilled when previously empty.
	UpsertContent(ctx context.Context, in ContentInput) (ContentUpsert, error)

	// RecordReceipt inserts a receipt. A repeat (tenant, message id) returns
	// Duplicate=true and the existing receipt ID, not an error.
	RecordReceipt(ctx context.Context, in ReceiptInput) (ReceiptResult, error)

	// IngestContent records the receipt and upserts the content atomically:
	// the content count is only incremented when the receipt is new.
	// in.ContentID of the receipt is ignored.
	IngestContent(ctx context.Context, content ContentInput, receipt ReceiptInput) (IngestResult, error)

	// GetContent retrieves a content record. Returns ErrNotFound if absent.
	GetContent(ctx context.Context, provider, contentHash string) (*models.ContentRecord, error)

	// ListReceipts returns receipts for a content record visible to the session.
	ListReceipts(ctx context.Context, contentID string) ([]models.Receipt, error)

	// ContentStats reports unique content and receipt totals visible to the session.
	ContentStats(ctx context.Context) (models.ContentStats, error)

	// UpsertLoadContent is the insert-or-increment for canonical loads.
	UpsertLoadContent(ctx context.Context, in LoadInput) (ContentUpsert, error)

	// GetLoadContent retrieves a canonical load. Returns ErrNotFound if absent.
	GetLoadContent(ctx context.Context, fingerprint string, version int) (*models.LoadContent, error)
}
