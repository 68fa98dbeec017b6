// Package store provides the DeliveryRepo interface for webhook delivery deduplication.
package store

import "context"

// DeliveryRepo defines the interface for provider idempotency keys.
type DeliveryRepo interface {
	// IsDuplicateDelivery checks if an idempotency key was already accepted.
	IsDuplicateDelivery(ctx context.Context, key string) (bool, error)

	// RecordDelivery records an accepted key for the session's tenant. Returns
	// false if the key was already recorded.
	RecordDelivery(ctx context.Context, key, tenantID string) (bool, error)

	// RecordUnroutedDelivery records a key whose notification matched no
	// tenant, so a redelivery is not quarantined twice. Returns false if the
	// key was already recorded.
	RecordUnroutedDelivery(ctx context.Context, key string) (bool, error)
}
