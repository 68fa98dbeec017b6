package models

import "time"

// StubStatus represents the lifecycle state of a stub.
type StubStatus string

const (
	StubStatusPending    StubStatus = "pending"
	StubStatusProcessing StubStatus = "processing"
	StubStatusCompleted  StubStatus = "completed"
	StubStatusFailed     StubStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s StubStatus) IsTerminal() bool {
	return s == StubStatusCompleted || s == StubStatusFailed
}

// Stub is the minimal queued reference to an inbound message awaiting fetch/parse.
// It is unique per (tenant, address, history id).
type Stub struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Address     string     `json:"address"`
	HistoryID   string     `json:"history_id"`
	Status      StubStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	QueuedAt    time.Time  `json:"queued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// WorkerHeartbeat is the liveness signal written by the processing worker.
type WorkerHeartbeat struct {
	WorkerID        string    `json:"worker_id"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	Status          string    `json:"status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BreakerConfig is the single shared threshold record read on every breaker decision.
type BreakerConfig struct {
	WorkerID       string        `json:"worker_id"`
	StaleThreshold time.Duration `json:"stale_threshold"`
	MaxDepth       int           `json:"max_depth"`
	Version        int           `json:"version"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
