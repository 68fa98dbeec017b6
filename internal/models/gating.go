package models

import "time"

// CooldownState tracks the last triggering event for a (tenant, rule, fingerprint).
type CooldownState struct {
	TenantID       string    `json:"tenant_id"`
	RuleID         string    `json:"rule_id"`
	Fingerprint    string    `json:"fingerprint"`
	LastReceivedAt time.Time `json:"last_received_at"`
	LastActionAt   time.Time `json:"last_action_at"`
	ActionCount    int       `json:"action_count"`
	// LastEventID identifies the event that last triggered.
	LastEventID string `json:"last_event_id,omitempty"`
}

// RateWindowType names a fixed rate-limit window.
type RateWindowType string

const (
	RateWindowMinute RateWindowType = "minute"
	RateWindowDay    RateWindowType = "day"
)

// Truncate returns the start of the window containing t, in UTC.
func (w RateWindowType) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case RateWindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// RateCounts is the pair of window counters for a tenant at an instant.
type RateCounts struct {
	Minute int64 `json:"minute"`
	Day    int64 `json:"day"`
}
