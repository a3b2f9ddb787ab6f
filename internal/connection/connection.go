// Package connection owns the stored credential relationship between one
// property and the external channel-manager provider.
package connection

import (
	"context"
	"errors"
	"time"
)

// Connection status values. Error status is sticky: it is cleared only by a
// fresh credential exchange, never by passive retry.
const (
	StatusActive = "active"
	StatusError  = "error"
)

var (
	ErrNotFound       = errors.New("connection: not found")
	ErrInvalidInput   = errors.New("connection: invalid input")
	ErrForbidden      = errors.New("connection: administrative role required")
	ErrExchangeFailed = errors.New("connection: invite exchange failed")
)

// Connection is one (organization, property, external property) credential tuple.
type Connection struct {
	ID                 string   `json:"id"`
	OrgID              string   `json:"org_id"`
	PropertyID         string   `json:"property_id"`
	Provider           string   `json:"provider"`
	ExternalPropertyID string   `json:"external_property_id"`
	Scopes             []string `json:"scopes"`

	// Opaque secret references; raw refresh tokens never leave internal/secrets.
	RefreshTokenReadRef  string `json:"-"`
	RefreshTokenWriteRef string `json:"-"`

	CachedAccessToken       string    `json:"-"`
	CachedAccessTokenExpiry time.Time `json:"-"`

	Status         string    `json:"status"`
	LastTokenUseAt time.Time `json:"last_token_use_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanWrite reports whether the connection holds a write-scoped refresh token.
func (c *Connection) CanWrite() bool {
	return c != nil && c.RefreshTokenWriteRef != ""
}

// Store describes persistence for connections. The cached-token columns are
// mutated only through the token service; sync and admin paths read them.
type Store interface {
	Create(ctx context.Context, c *Connection) error
	Find(ctx context.Context, id string) (*Connection, error)
	FindActiveByProperty(ctx context.Context, propertyID, provider string) (*Connection, error)
	ListActive(ctx context.Context) ([]*Connection, error)
	// UpdateCachedToken persists a freshly minted access token and stamps
	// last_token_use_at.
	UpdateCachedToken(ctx context.Context, id, token string, expiry time.Time) error
	// TouchTokenUse stamps last_token_use_at without changing the cached token.
	TouchTokenUse(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
}
