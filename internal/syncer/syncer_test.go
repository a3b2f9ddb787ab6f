package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"staysync.org/internal/connection"
	"staysync.org/internal/mapping"
	"staysync.org/internal/provider"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeConns struct {
	conn *connection.Connection
}

func (f *fakeConns) Create(ctx context.Context, c *connection.Connection) error { return nil }
func (f *fakeConns) Find(ctx context.Context, id string) (*connection.Connection, error) {
	return f.conn, nil
}
func (f *fakeConns) FindActiveByProperty(ctx context.Context, propertyID, prov string) (*connection.Connection, error) {
	if f.conn == nil || f.conn.PropertyID != propertyID {
		return nil, connection.ErrNotFound
	}
	return f.conn, nil
}
func (f *fakeConns) ListActive(ctx context.Context) ([]*connection.Connection, error) {
	if f.conn == nil {
		return nil, nil
	}
	return []*connection.Connection{f.conn}, nil
}
func (f *fakeConns) UpdateCachedToken(ctx context.Context, id, token string, expiry time.Time) error {
	return nil
}
func (f *fakeConns) TouchTokenUse(ctx context.Context, id string) error  { return nil }
func (f *fakeConns) SetStatus(ctx context.Context, id, st string) error { return nil }

type fakeMaps struct {
	mu       sync.Mutex
	byExt    map[string]string // entityType|externalID -> internalID
	ensured  []mapping.Mapping
	external map[string]string // internalID -> externalID
}

func (f *fakeMaps) key(entityType, externalID string) string { return entityType + "|" + externalID }

func (f *fakeMaps) ResolveExternal(ctx context.Context, prov, entityType, externalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byExt[f.key(entityType, externalID)]; ok {
		return id, nil
	}
	return "", mapping.ErrNotFound
}

func (f *fakeMaps) ReverseLookup(ctx context.Context, prov, entityType, internalID string) (string, error) {
	return "", mapping.ErrNotFound
}

func (f *fakeMaps) Ensure(ctx context.Context, m mapping.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byExt == nil {
		f.byExt = make(map[string]string)
	}
	f.byExt[f.key(m.EntityType, m.ExternalID)] = m.InternalID
	f.ensured = append(f.ensured, m)
	return nil
}

func (f *fakeMaps) ForInternal(ctx context.Context, prov, entityType string, internalIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range internalIDs {
		if ext, ok := f.external[id]; ok {
			out[id] = ext
		}
	}
	return out, nil
}

type fakeState struct {
	mu         sync.Mutex
	state      State
	advancedTo []time.Time
	calendarAt []time.Time
	bootstrap  []time.Time
}

func (f *fakeState) Seed(ctx context.Context, propertyID, prov string, watermark time.Time) error {
	return nil
}
func (f *fakeState) Get(ctx context.Context, propertyID, prov string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	return &st, nil
}
func (f *fakeState) List(ctx context.Context) ([]State, error) {
	return []State{f.state}, nil
}
func (f *fakeState) AdvanceBookingsWatermark(ctx context.Context, propertyID, prov string, to time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to.After(f.state.BookingsModifiedFrom) {
		f.state.BookingsModifiedFrom = to
	}
	f.advancedTo = append(f.advancedTo, to)
	return nil
}
func (f *fakeState) StampCalendarSync(ctx context.Context, propertyID, prov string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendarAt = append(f.calendarAt, at)
	return nil
}
func (f *fakeState) StampBootstrap(ctx context.Context, propertyID, prov string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrap = append(f.bootstrap, at)
	return nil
}

type fakeRecords struct {
	mu           sync.Mutex
	reservations []Reservation
	days         []CalendarRecord
	failAfter    int // fail on the n-th reservation upsert (1-based); 0 = never
}

func (f *fakeRecords) UpsertReservation(ctx context.Context, r Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.reservations)+1 >= f.failAfter {
		return errors.New("records: write failed")
	}
	f.reservations = append(f.reservations, r)
	return nil
}

func (f *fakeRecords) UpsertCalendarDay(ctx context.Context, c CalendarRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, c)
	return nil
}

type fakeTokens struct{}

func (fakeTokens) AccessToken(ctx context.Context, propertyID string, forWrite bool) (string, error) {
	return "at-test", nil
}

type fakeClient struct {
	provider.Client

	bookings     []provider.Booking
	bookingsErr  error
	calendar     []provider.CalendarDay
	fetchStarted chan struct{}
	fetchRelease chan struct{}

	mu     sync.Mutex
	pushed []provider.AvailabilityUpdate
}

func (c *fakeClient) FetchBookings(ctx context.Context, token, extPropID string, from time.Time, limit int) ([]provider.Booking, error) {
	if c.fetchStarted != nil {
		close(c.fetchStarted)
		<-c.fetchRelease
	}
	return c.bookings, c.bookingsErr
}

func (c *fakeClient) FetchCalendar(ctx context.Context, token, extPropID string, from, to time.Time) ([]provider.CalendarDay, error) {
	return c.calendar, nil
}

func (c *fakeClient) PushAvailability(ctx context.Context, token, extPropID string, updates []provider.AvailabilityUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, updates...)
	return nil
}

func linkedConn() *connection.Connection {
	return &connection.Connection{
		ID:                  "conn-1",
		OrgID:               "org-1",
		PropertyID:          "hotel-1",
		Provider:            provider.Name,
		ExternalPropertyID:  "ext-9",
		RefreshTokenReadRef: "ref-read",
		Status:              connection.StatusActive,
	}
}

func newTestOrchestrator(client *fakeClient, records *fakeRecords, state *fakeState, maps *fakeMaps) *Orchestrator {
	return New(&fakeConns{conn: linkedConn()}, maps, state, records, fakeTokens{}, client, nil,
		WithClock(func() time.Time { return fixedNow }))
}

func TestTriggerSyncInvalidType(t *testing.T) {
	o := newTestOrchestrator(&fakeClient{}, &fakeRecords{}, &fakeState{}, &fakeMaps{})
	_, err := o.TriggerSync(context.Background(), "hotel-1", "everything")
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestTriggerSyncNoConnection(t *testing.T) {
	o := newTestOrchestrator(&fakeClient{}, &fakeRecords{}, &fakeState{}, &fakeMaps{})
	_, err := o.TriggerSync(context.Background(), "hotel-unknown", TypeBookings)
	if !errors.Is(err, ErrNoActiveConnection) {
		t.Fatalf("expected ErrNoActiveConnection, got %v", err)
	}
}

func TestBookingsSyncAdvancesWatermark(t *testing.T) {
	state := &fakeState{state: State{
		PropertyID:           "hotel-1",
		Provider:             provider.Name,
		BookingsModifiedFrom: fixedNow.Add(-24 * time.Hour),
	}}
	records := &fakeRecords{}
	client := &fakeClient{bookings: []provider.Booking{
		{ExternalID: "bk-1", ExternalRoomTypeID: "rt-1", GuestName: "Jane Roe", Status: "confirmed"},
		{ExternalID: "bk-2", Status: "cancelled"},
	}}
	o := newTestOrchestrator(client, records, state, &fakeMaps{})

	res, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings)
	if err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if res.BookingsImported != 2 {
		t.Fatalf("expected 2 imported, got %d", res.BookingsImported)
	}
	if len(records.reservations) != 2 {
		t.Fatalf("expected 2 reservations written, got %d", len(records.reservations))
	}
	if len(state.advancedTo) != 1 || !state.advancedTo[0].Equal(fixedNow) {
		t.Fatalf("watermark not advanced to run start: %v", state.advancedTo)
	}
	if !res.WatermarkTo.Equal(fixedNow) {
		t.Fatalf("result watermark mismatch: %v", res.WatermarkTo)
	}
}

func TestBookingsSyncCreatesMappingsLazily(t *testing.T) {
	state := &fakeState{}
	maps := &fakeMaps{}
	client := &fakeClient{bookings: []provider.Booking{
		{ExternalID: "bk-1", ExternalRoomTypeID: "rt-1"},
	}}
	o := newTestOrchestrator(client, &fakeRecords{}, state, maps)

	if _, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	// One reservation mapping plus one room-type mapping.
	if len(maps.ensured) != 2 {
		t.Fatalf("expected 2 mappings ensured, got %d", len(maps.ensured))
	}

	// A second run resolves instead of re-creating.
	if _, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings); err != nil {
		t.Fatalf("second TriggerSync: %v", err)
	}
	if len(maps.ensured) != 2 {
		t.Fatalf("mappings re-created on second run: %d", len(maps.ensured))
	}
}

// pagingClient honors modified_from and limit the way the real provider does.
type pagingClient struct {
	provider.Client

	mu      sync.Mutex
	all     []provider.Booking // sorted by ModifiedAt ascending
	fetches int
}

func (c *pagingClient) FetchBookings(ctx context.Context, token, extPropID string, from time.Time, limit int) ([]provider.Booking, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	var out []provider.Booking
	for _, b := range c.all {
		if b.ModifiedAt.Before(from) {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestBookingsSyncPaginatesPastPageLimit(t *testing.T) {
	state := &fakeState{state: State{
		PropertyID:           "hotel-1",
		Provider:             provider.Name,
		BookingsModifiedFrom: fixedNow.Add(-24 * time.Hour),
	}}
	records := &fakeRecords{}
	client := &pagingClient{all: []provider.Booking{
		{ExternalID: "bk-1", ModifiedAt: fixedNow.Add(-3 * time.Hour)},
		{ExternalID: "bk-2", ModifiedAt: fixedNow.Add(-2 * time.Hour)},
		{ExternalID: "bk-3", ModifiedAt: fixedNow.Add(-time.Hour)},
	}}
	o := New(&fakeConns{conn: linkedConn()}, &fakeMaps{}, state, records, fakeTokens{}, client, nil,
		WithClock(func() time.Time { return fixedNow }),
		WithPageSize(2))

	if _, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	imported := make(map[string]bool)
	for _, r := range records.reservations {
		imported[r.ExternalID] = true
	}
	if len(imported) != 3 {
		t.Fatalf("expected all 3 bookings imported across pages, got %v", imported)
	}
	if client.fetches < 2 {
		t.Fatalf("expected multiple pages fetched, got %d", client.fetches)
	}
	if !state.state.BookingsModifiedFrom.Equal(fixedNow) {
		t.Fatalf("watermark not advanced to run start: %v", state.state.BookingsModifiedFrom)
	}

	// The advanced watermark covers everything received: a second run finds
	// nothing new and loses nothing.
	before := len(records.reservations)
	if _, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings); err != nil {
		t.Fatalf("second TriggerSync: %v", err)
	}
	if len(records.reservations) != before {
		t.Fatalf("second run re-imported records: %d -> %d", before, len(records.reservations))
	}
}

func TestMidBatchFailureKeepsWatermark(t *testing.T) {
	state := &fakeState{}
	records := &fakeRecords{failAfter: 2}
	client := &fakeClient{bookings: []provider.Booking{
		{ExternalID: "bk-1"},
		{ExternalID: "bk-2"},
		{ExternalID: "bk-3"},
	}}
	o := newTestOrchestrator(client, records, state, &fakeMaps{})

	_, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(state.advancedTo) != 0 {
		t.Fatalf("watermark advanced despite partial batch: %v", state.advancedTo)
	}
}

func TestFetchFailureKeepsWatermark(t *testing.T) {
	state := &fakeState{}
	client := &fakeClient{bookingsErr: &provider.APIError{Operation: "bookings", StatusCode: 503}}
	o := newTestOrchestrator(client, &fakeRecords{}, state, &fakeMaps{})

	_, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(state.advancedTo) != 0 {
		t.Fatalf("watermark advanced after fetch failure: %v", state.advancedTo)
	}
}

func TestConcurrentTriggerRejected(t *testing.T) {
	client := &fakeClient{
		fetchStarted: make(chan struct{}),
		fetchRelease: make(chan struct{}),
	}
	o := newTestOrchestrator(client, &fakeRecords{}, &fakeState{}, &fakeMaps{})

	done := make(chan error, 1)
	go func() {
		_, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings)
		done <- err
	}()

	<-client.fetchStarted
	_, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	close(client.fetchRelease)

	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Lock released: a later trigger succeeds.
	client.fetchStarted = nil
	if _, err := o.TriggerSync(context.Background(), "hotel-1", TypeBookings); err != nil {
		t.Fatalf("trigger after release: %v", err)
	}
}

func TestCalendarSyncStamps(t *testing.T) {
	state := &fakeState{}
	records := &fakeRecords{}
	client := &fakeClient{calendar: []provider.CalendarDay{
		{ExternalRoomTypeID: "rt-1", Day: fixedNow, Available: 3, RateCents: 12900, Currency: "EUR"},
		{ExternalRoomTypeID: "rt-1", Day: fixedNow.Add(24 * time.Hour), Available: 2, RateCents: 13900, Currency: "EUR"},
	}}
	o := newTestOrchestrator(client, records, state, &fakeMaps{})

	res, err := o.TriggerSync(context.Background(), "hotel-1", TypeCalendar)
	if err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if res.CalendarDays != 2 {
		t.Fatalf("expected 2 days, got %d", res.CalendarDays)
	}
	if len(records.days) != 2 {
		t.Fatalf("expected 2 day records, got %d", len(records.days))
	}
	if len(state.calendarAt) != 1 {
		t.Fatalf("calendar sync not stamped: %v", state.calendarAt)
	}
	if len(state.advancedTo) != 0 {
		t.Fatalf("calendar sync must not touch the bookings watermark: %v", state.advancedTo)
	}
}

func TestBootstrapStampsCompletion(t *testing.T) {
	state := &fakeState{state: State{BookingsModifiedFrom: fixedNow}}
	client := &fakeClient{bookings: []provider.Booking{{ExternalID: "bk-1"}}}
	o := newTestOrchestrator(client, &fakeRecords{}, state, &fakeMaps{})

	if err := o.Bootstrap(context.Background(), "hotel-1"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(state.bootstrap) != 1 {
		t.Fatalf("bootstrap not stamped: %v", state.bootstrap)
	}
}

func TestPushAvailabilityMissingMapping(t *testing.T) {
	conn := linkedConn()
	conn.RefreshTokenWriteRef = "ref-write"
	maps := &fakeMaps{external: map[string]string{}}
	client := &fakeClient{}
	o := New(&fakeConns{conn: conn}, maps, &fakeState{}, &fakeRecords{}, fakeTokens{}, client, nil,
		WithClock(func() time.Time { return fixedNow }))

	err := o.PushAvailability(context.Background(), "hotel-1", []AvailabilityChange{
		{RoomTypeID: "room-unmapped", Day: fixedNow, Available: 1},
	})
	if !errors.Is(err, mapping.ErrNotFound) {
		t.Fatalf("expected mapping.ErrNotFound, got %v", err)
	}
	if len(client.pushed) != 0 {
		t.Fatalf("push attempted with unresolved mapping: %v", client.pushed)
	}
}

func TestPushAvailabilitySendsResolvedUpdates(t *testing.T) {
	conn := linkedConn()
	conn.RefreshTokenWriteRef = "ref-write"
	maps := &fakeMaps{external: map[string]string{"room-1": "rt-1"}}
	client := &fakeClient{}
	o := New(&fakeConns{conn: conn}, maps, &fakeState{}, &fakeRecords{}, fakeTokens{}, client, nil,
		WithClock(func() time.Time { return fixedNow }))

	err := o.PushAvailability(context.Background(), "hotel-1", []AvailabilityChange{
		{RoomTypeID: "room-1", Day: fixedNow, Available: 4},
	})
	if err != nil {
		t.Fatalf("PushAvailability: %v", err)
	}
	if len(client.pushed) != 1 || client.pushed[0].ExternalRoomTypeID != "rt-1" {
		t.Fatalf("unexpected outbound updates: %v", client.pushed)
	}
}

func TestStatusJoinsConnection(t *testing.T) {
	state := &fakeState{state: State{
		PropertyID:           "hotel-1",
		Provider:             provider.Name,
		BookingsModifiedFrom: fixedNow.Add(-time.Hour),
	}}
	o := newTestOrchestrator(&fakeClient{}, &fakeRecords{}, state, &fakeMaps{})

	statuses, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].ConnectionStatus != connection.StatusActive {
		t.Fatalf("expected active connection, got %q", statuses[0].ConnectionStatus)
	}
}
