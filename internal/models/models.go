// Package models defines the core data structures for HuntPipe.
//
// It includes the queue, content, tenant and gating records shared by the store,
// the ingestion path and the worker pipeline, plus the JSON envelope used by the API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxAddressLength bounds an inbound recipient address.
	MaxAddressLength = 320
	// MaxHistoryIDLength bounds a provider history/change id.
	MaxHistoryIDLength = 256
	// MaxErrorTextLength caps error text persisted on stubs and queue items.
	MaxErrorTextLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrEmptyAddress        = errors.New("address cannot be empty")
	ErrAddressTooLong      = errors.New("address exceeds maximum length")
	ErrEmptyHistoryID      = errors.New("history id cannot be empty")
	ErrHistoryIDTooLong    = errors.New("history id exceeds maximum length")
	ErrEmptyTenantID       = errors.New("tenant id cannot be empty")
	ErrEmptyDedupeKey      = errors.New("dedupe key cannot be empty")
	ErrMixedQueueDirection = errors.New("queue item carries both inbound and outbound fields")
	ErrEmptyQueueItem      = errors.New("queue item carries neither inbound nor outbound fields")
	ErrIncompleteOutbound  = errors.New("outbound queue item requires recipient, subject and body")
)

// InboundNotification is the push notification the mail provider delivers for
// every new message: the recipient address, the provider history/change id and
// an idempotency key for the delivery itself.
type InboundNotification struct {
	Address        string            `json:"address"`
	HistoryID      string            `json:"history_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Normalize lower-cases and trims the address and trims the history id.
func (n *InboundNotification) Normalize() {
	n.Address = strings.ToLower(strings.TrimSpace(n.Address))
	n.HistoryID = strings.TrimSpace(n.HistoryID)
	n.IdempotencyKey = strings.TrimSpace(n.IdempotencyKey)
}

// Validate checks the notification carries what routing needs.
func (n InboundNotification) Validate() error {
	if n.Address == "" {
		return ErrEmptyAddress
	}
	if len(n.Address) > MaxAddressLength {
		return ErrAddressTooLong
	}
	if n.HistoryID == "" {
		return ErrEmptyHistoryID
	}
	if len(n.HistoryID) > MaxHistoryIDLength {
		return ErrHistoryIDTooLong
	}
	return nil
}

// TruncateError clips error text to MaxErrorTextLength.
func TruncateError(s string) string {
	if len(s) <= MaxErrorTextLength {
		return s
	}
	return s[:MaxErrorTextLength]
}

// UTC returns t in UTC, leaving the zero time untouched.
func UTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound notification was queued.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates the delivery was already accepted earlier.
	APIStatusDuplicate APIStatus = "duplicate"
	// APIStatusQuarantined indicates the notification could not be routed to a tenant.
	APIStatusQuarantined APIStatus = "quarantined"
	// APIStatusDropped indicates the circuit breaker refused the notification.
	APIStatusDropped APIStatus = "dropped"
	// APIStatusRateLimited indicates a tenant or ingress quota was exceeded.
	APIStatusRateLimited APIStatus = "rate_limited"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Outcome creates a response carrying an ingest outcome status.
func Outcome(status APIStatus, message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(status).
		WithMessage(message).
		WithResult(result).
		Build()
}
