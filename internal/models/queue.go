package models

import "time"

// QueueDirection discriminates the two kinds of work sharing the queue table.
type QueueDirection string

const (
	QueueInbound  QueueDirection = "inbound"
	QueueOutbound QueueDirection = "outbound"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is a unified inbound/outbound work record. Inbound rows carry a
// payload reference and no subject; outbound rows carry recipient, subject and
// body and no payload reference.
type QueueItem struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	DedupeKey   string      `json:"dedupe_key"`
	PayloadRef  string      `json:"payload_ref,omitempty"`
	Recipient   string      `json:"recipient,omitempty"`
	Subject     string      `json:"subject,omitempty"`
	Body        string      `json:"body,omitempty"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	ParsedAt    *time.Time  `json:"parsed_at,omitempty"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	// NextAttemptAt delays a retried item; nil means claimable now.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Direction derives the item's direction from which fields are populated.
func (q QueueItem) Direction() QueueDirection {
	if q.PayloadRef != "" {
		return QueueInbound
	}
	return QueueOutbound
}

// Validate enforces the producer-side partition: exactly one of the inbound or
// outbound shapes, never both.
func (q QueueItem) Validate() error {
	if q.TenantID == "" {
		return ErrEmptyTenantID
	}
	if q.DedupeKey == "" {
		return ErrEmptyDedupeKey
	}
	inbound := q.PayloadRef != ""
	outbound := q.Subject != "" || q.Body != "" || q.Recipient != ""
	switch {
	case inbound && outbound:
		return ErrMixedQueueDirection
	case !inbound && !outbound:
		return ErrEmptyQueueItem
	case outbound && (q.Subject == "" || q.Body == "" || q.Recipient == ""):
		return ErrIncompleteOutbound
	}
	return nil
}
