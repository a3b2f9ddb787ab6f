package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"staysync.org/internal/syncer"
)

var _ syncer.RecordStore = (*RecordStore)(nil)

// RecordStore persists imported reservations and calendar days. Both upserts
// are keyed so a sync run repeated from the same watermark rewrites the same
// rows instead of duplicating them.
type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) UpsertReservation(ctx context.Context, r syncer.Reservation) error {
	payload, _ := json.Marshal(r.Payload)
	var roomTypeID any
	if r.RoomTypeID != "" {
		roomTypeID = r.RoomTypeID
	}
	_, err := s.db.ExecContext(ctx, `
		insert into reservations(
			id, property_id, provider, external_id, guest_name, room_type_id,
			arrival, departure, status, total_amount_cents, currency, payload, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		on conflict (id) do update
		set guest_name = excluded.guest_name,
		    room_type_id = excluded.room_type_id,
		    arrival = excluded.arrival,
		    departure = excluded.departure,
		    status = excluded.status,
		    total_amount_cents = excluded.total_amount_cents,
		    currency = excluded.currency,
		    payload = excluded.payload,
		    updated_at = now()
	`, r.ID, r.PropertyID, r.Provider, r.ExternalID, r.GuestName, roomTypeID,
		r.Arrival, r.Departure, r.Status, r.TotalAmountCents, r.Currency, payload)
	return err
}

func (s *RecordStore) UpsertCalendarDay(ctx context.Context, c syncer.CalendarRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into calendar_days(property_id, room_type_id, day, available, rate_cents, currency, updated_at)
		values ($1,$2,$3,$4,$5,$6,now())
		on conflict (property_id, room_type_id, day) do update
		set available = excluded.available,
		    rate_cents = excluded.rate_cents,
		    currency = excluded.currency,
		    updated_at = now()
	`, c.PropertyID, c.RoomTypeID, c.Day, c.Available, c.RateCents, c.Currency)
	return err
}
