package syncer

import (
	"context"
	"time"
)

// Reservation is an imported booking keyed by its internal ID, which the
// mapping repository ties to the provider's reservation ID. Upserting the
// same internal ID twice is a no-op apart from refreshed fields, which is
// what makes a sync run safe to repeat from the same watermark.
type Reservation struct {
	ID               string
	PropertyID       string
	Provider         string
	ExternalID       string
	GuestName        string
	RoomTypeID       string
	Arrival          time.Time
	Departure        time.Time
	Status           string
	TotalAmountCents int64
	Currency         string
	Payload          map[string]any
}

// CalendarRecord is one imported day of availability and rate.
type CalendarRecord struct {
	PropertyID string
	RoomTypeID string
	Day        time.Time
	Available  int
	RateCents  int64
	Currency   string
}

// RecordStore is the generic record-store boundary the sync path writes
// through. The booking CRUD side of the platform owns the rest of these
// tables' lifecycle.
type RecordStore interface {
	UpsertReservation(ctx context.Context, r Reservation) error
	UpsertCalendarDay(ctx context.Context, c CalendarRecord) error
}
