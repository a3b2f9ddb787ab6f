package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the per-(property, provider) synchronization checkpoint. The
// bookings watermark only ever moves forward.
type State struct {
	PropertyID           string            `json:"property_id"`
	Provider             string            `json:"provider"`
	BookingsModifiedFrom time.Time         `json:"bookings_modified_from"`
	LastBookingsSync     time.Time         `json:"last_bookings_sync,omitzero"`
	LastCalendarSync     time.Time         `json:"last_calendar_sync,omitzero"`
	BootstrapCompletedAt time.Time         `json:"bootstrap_completed_at,omitzero"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ErrStateNotFound indicates no sync state row exists for the property.
var ErrStateNotFound = errors.New("syncer: sync state not found")

// StateStore persists checkpoints. Watermark advancement is conditional in
// SQL so two processes racing to different watermarks cannot move it backward.
type StateStore interface {
	// Seed creates the row with the given watermark; an existing row is left
	// untouched.
	Seed(ctx context.Context, propertyID, provider string, watermark time.Time) error
	Get(ctx context.Context, propertyID, provider string) (*State, error)
	List(ctx context.Context) ([]State, error)
	// AdvanceBookingsWatermark moves the watermark forward to the given
	// instant and stamps last_bookings_sync. A target behind the current
	// watermark is ignored.
	AdvanceBookingsWatermark(ctx context.Context, propertyID, provider string, to time.Time) error
	StampCalendarSync(ctx context.Context, propertyID, provider string, at time.Time) error
	StampBootstrap(ctx context.Context, propertyID, provider string, at time.Time) error
}

var _ StateStore = (*PGStateStore)(nil)

// PGStateStore implements StateStore using PostgreSQL.
type PGStateStore struct {
	db *sql.DB
}

func NewPGStateStore(db *sql.DB) *PGStateStore {
	return &PGStateStore{db: db}
}

func (s *PGStateStore) Seed(ctx context.Context, propertyID, provider string, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sync_state(property_id, provider, bookings_modified_from)
		values ($1,$2,$3)
		on conflict (property_id, provider) do nothing
	`, propertyID, provider, watermark)
	return err
}

const stateColumns = `
	property_id, provider, bookings_modified_from,
	last_bookings_sync, last_calendar_sync, bootstrap_completed_at, metadata`

func (s *PGStateStore) Get(ctx context.Context, propertyID, provider string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		`select`+stateColumns+` from sync_state where property_id=$1 and provider=$2`,
		propertyID, provider)
	st, err := scanState(row)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PGStateStore) List(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		`select`+stateColumns+` from sync_state order by property_id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *st)
	}
	return res, rows.Err()
}

func (s *PGStateStore) AdvanceBookingsWatermark(ctx context.Context, propertyID, provider string, to time.Time) error {
	// The predicate makes the advance forward-only: a target behind a
	// watermark another process already moved matches no row.
	_, err := s.db.ExecContext(ctx, `
		update sync_state
		set bookings_modified_from=$3, last_bookings_sync=now()
		where property_id=$1 and provider=$2 and bookings_modified_from <= $3
	`, propertyID, provider, to)
	return err
}

func (s *PGStateStore) StampCalendarSync(ctx context.Context, propertyID, provider string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sync_state set last_calendar_sync=$3 where property_id=$1 and provider=$2
	`, propertyID, provider, at)
	return err
}

func (s *PGStateStore) StampBootstrap(ctx context.Context, propertyID, provider string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sync_state set bootstrap_completed_at=$3 where property_id=$1 and provider=$2
	`, propertyID, provider, at)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*State, error) {
	var (
		st        State
		bookings  sql.NullTime
		calendar  sql.NullTime
		bootstrap sql.NullTime
		metadata  []byte
	)
	err := row.Scan(&st.PropertyID, &st.Provider, &st.BookingsModifiedFrom,
		&bookings, &calendar, &bootstrap, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	if bookings.Valid {
		st.LastBookingsSync = bookings.Time
	}
	if calendar.Valid {
		st.LastCalendarSync = calendar.Time
	}
	if bootstrap.Valid {
		st.BootstrapCompletedAt = bootstrap.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
			return nil, fmt.Errorf("syncer: decode state metadata: %w", err)
		}
	}
	return &st, nil
}
