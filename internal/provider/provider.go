// Package provider speaks the channel-manager's REST API: the OAuth2
// refresh-token grant, the one-time invite-code exchange, and the booking and
// calendar endpoints consumed by the sync path.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Name is the provider key recorded on connections, mappings and sync state.
// Only one channel manager is integrated today.
const Name = "channex"

var (
	// ErrInvalidInput indicates a malformed request to the client.
	ErrInvalidInput = errors.New("provider: invalid input")
)

// Grant is the result of exchanging an invite code: long-lived refresh tokens
// plus the scope set the provider actually granted.
type Grant struct {
	RefreshTokenRead  string
	RefreshTokenWrite string // empty when only read scope was granted
	Scopes            []string
}

// AccessToken is a short-lived token minted from a refresh token.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Booking is one reservation as the provider reports it.
type Booking struct {
	ExternalID         string
	ExternalRoomTypeID string
	GuestName          string
	GuestEmail         string
	Arrival            time.Time
	Departure          time.Time
	Status             string
	TotalAmountCents   int64
	Currency           string
	ModifiedAt         time.Time
	Raw                map[string]any
}

// CalendarDay is one day of availability and rate for a room type.
type CalendarDay struct {
	ExternalRoomTypeID string
	Day                time.Time
	Available          int
	RateCents          int64
	Currency           string
}

// AvailabilityUpdate is one outbound availability change.
type AvailabilityUpdate struct {
	ExternalRoomTypeID string `json:"room_type_id"`
	Day                string `json:"date"`
	Available          int    `json:"available"`
}

// Client is the outbound boundary to the channel manager. Every call carries
// a bounded timeout; callers audit request and response payloads.
type Client interface {
	ExchangeInviteCode(ctx context.Context, inviteCode string, scopes []string) (Grant, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (AccessToken, error)
	FetchBookings(ctx context.Context, accessToken, externalPropertyID string, modifiedFrom time.Time, limit int) ([]Booking, error)
	FetchCalendar(ctx context.Context, accessToken, externalPropertyID string, from, to time.Time) ([]CalendarDay, error)
	PushAvailability(ctx context.Context, accessToken, externalPropertyID string, updates []AvailabilityUpdate) error
}

// APIError carries the provider's status and error body for diagnostics.
// The body is subject to the audit redaction pass before it is logged.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: %s returned %d: %s", e.Operation, e.StatusCode, e.Body)
}
