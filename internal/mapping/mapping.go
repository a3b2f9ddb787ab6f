// Package mapping maintains the bidirectional correspondence between this
// platform's entity identifiers and the channel-manager provider's identifiers.
package mapping

import (
	"context"
	"errors"
	"time"
)

// Entity types tracked against the channel manager.
const (
	EntityProperty    = "property"
	EntityRoomType    = "room_type"
	EntityRatePlan    = "rate_plan"
	EntityReservation = "reservation"
	EntityGuest       = "guest"
)

var (
	// ErrNotFound indicates no mapping exists for the requested key.
	ErrNotFound = errors.New("mapping: not found")
	// ErrInvalidInput indicates an incomplete mapping key.
	ErrInvalidInput = errors.New("mapping: invalid input")
	// ErrStore wraps persistence failures. Callers must not swallow it: a
	// missed mapping creates a duplicate external record on the next sync.
	ErrStore = errors.New("mapping: store failure")
)

// Mapping is one persisted correspondence row.
type Mapping struct {
	Provider   string            `json:"provider"`
	EntityType string            `json:"entity_type"`
	ExternalID string            `json:"external_id"`
	InternalID string            `json:"internal_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Repository resolves and persists identifier mappings in both directions.
type Repository interface {
	// ResolveExternal returns the internal ID mapped to an external ID.
	ResolveExternal(ctx context.Context, provider, entityType, externalID string) (string, error)
	// ReverseLookup returns the external ID mapped to an internal ID.
	ReverseLookup(ctx context.Context, provider, entityType, internalID string) (string, error)
	// Ensure upserts a mapping. Re-mapping the same key to the same internal
	// ID is a no-op; a different internal ID overwrites the existing row.
	Ensure(ctx context.Context, m Mapping) error
	// ForInternal resolves a page of internal IDs in a single query.
	ForInternal(ctx context.Context, provider, entityType string, internalIDs []string) (map[string]string, error)
}
