package models

import "time"

// UpsertAction reports what an insert-or-increment did.
type UpsertAction string

const (
	UpsertInserted    UpsertAction = "inserted"
	UpsertIncremented UpsertAction = "incremented"
)

// ContentRecord is a raw payload stored once, keyed by (provider, content hash).
type ContentRecord struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	ContentHash  string    `json:"content_hash"`
	PayloadRef   string    `json:"payload_ref,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	ReceiptCount int       `json:"receipt_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Receipt is a tenant-scoped pointer to a ContentRecord, unique per (tenant, message id).
type Receipt struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ContentID   string            `json:"content_id"`
	MessageID   string            `json:"message_id"`
	StubID      string            `json:"stub_id,omitempty"`
	RoutingMeta map[string]string `json:"routing_meta,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ContentStats summarizes content reuse across tenants.
type ContentStats struct {
	UniqueContent int64   `json:"unique_content"`
	TotalReceipts int64   `json:"total_receipts"`
	ReuseRate     float64 `json:"reuse_rate"`
}

// Load is a parsed freight load as produced by the external parser.
type Load struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	PickupDate  string `json:"pickup_date"`
	Reference   string `json:"reference"`
	Equipment   string `json:"equipment,omitempty"`
	Rate        string `json:"rate,omitempty"`
}

// LoadContent is the canonical fingerprinted form of a load, stored once per
// (fingerprint, fingerprint version).
type LoadContent struct {
	ID                 string    `json:"id"`
	Fingerprint        string    `json:"fingerprint"`
	FingerprintVersion int       `json:"fingerprint_version"`
	CanonicalJSON      string    `json:"canonical_json"`
	ReceiptCount       int       `json:"receipt_count"`
	FirstSeenAt        time.Time `json:"first_seen_at"`
	LastSeenAt         time.Time `json:"last_seen_at"`
}
