// Package syncer runs incremental and bootstrap synchronization against the
// channel manager, advancing per-property watermarks only after the batch
// they cover is durably written.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"staysync.org/internal/audit"
	"staysync.org/internal/connection"
	"staysync.org/internal/ids"
	"staysync.org/internal/mapping"
	"staysync.org/internal/obs"
	"staysync.org/internal/provider"
	"staysync.org/internal/stream"
)

// Sync types accepted by TriggerSync.
const (
	TypeBookings = "bookings"
	TypeCalendar = "calendar"
	TypeBoth     = "both"
)

var (
	// ErrSyncInProgress indicates another run holds the property's sync lock.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrNoActiveConnection indicates the property has no active channel link.
	ErrNoActiveConnection = errors.New("syncer: no active connection")
	// ErrInvalidType indicates an unknown sync type.
	ErrInvalidType = errors.New("syncer: invalid sync type")
)

// TokenSource yields access tokens for a property's active connection.
type TokenSource interface {
	AccessToken(ctx context.Context, propertyID string, forWrite bool) (string, error)
}

// Result summarizes one sync run.
type Result struct {
	PropertyID       string        `json:"property_id"`
	Type             string        `json:"type"`
	BookingsImported int           `json:"bookings_imported"`
	CalendarDays     int           `json:"calendar_days"`
	WatermarkFrom    time.Time     `json:"watermark_from,omitzero"`
	WatermarkTo      time.Time     `json:"watermark_to,omitzero"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ms"`
}

// PropertyStatus is one row of the administrative sync-health report.
type PropertyStatus struct {
	PropertyID           string    `json:"property_id"`
	Provider             string    `json:"provider"`
	ConnectionStatus     string    `json:"connection_status"`
	BookingsModifiedFrom time.Time `json:"bookings_modified_from"`
	LastBookingsSync     time.Time `json:"last_bookings_sync,omitzero"`
	LastCalendarSync     time.Time `json:"last_calendar_sync,omitzero"`
	BootstrapCompletedAt time.Time `json:"bootstrap_completed_at,omitzero"`
	LastTokenUseAt       time.Time `json:"last_token_use_at,omitzero"`
}

// Orchestrator coordinates sync runs for all linked properties.
type Orchestrator struct {
	conns   connection.Store
	maps    mapping.Repository
	state   StateStore
	records RecordStore
	tokens  TokenSource
	client  provider.Client
	rec     *audit.Recorder

	locks    keyedLocks
	events   *stream.Stream
	horizon  time.Duration
	pageSize int
	now      func() time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithCalendarHorizon bounds how far ahead calendar syncs pull.
func WithCalendarHorizon(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.horizon = d
		}
	}
}

// WithPageSize bounds the booking page requested from the provider.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithEvents publishes sync lifecycle events on the given stream.
func WithEvents(s *stream.Stream) Option {
	return func(o *Orchestrator) {
		o.events = s
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// New constructs the orchestrator.
func New(conns connection.Store, maps mapping.Repository, state StateStore, records RecordStore,
	tok TokenSource, client provider.Client, rec *audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conns:    conns,
		maps:     maps,
		state:    state,
		records:  records,
		tokens:   tok,
		client:   client,
		rec:      rec,
		locks:    keyedLocks{held: make(map[string]struct{})},
		horizon:  365 * 24 * time.Hour,
		pageSize: 200,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TriggerSync runs one incremental sync for the property. Concurrent triggers
// for the same (property, provider) are rejected with ErrSyncInProgress.
func (o *Orchestrator) TriggerSync(ctx context.Context, propertyID, syncType string) (*Result, error) {
	switch syncType {
	case TypeBookings, TypeCalendar, TypeBoth:
	default:
		return nil, ErrInvalidType
	}

	conn, err := o.conns.FindActiveByProperty(ctx, propertyID, provider.Name)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil, ErrNoActiveConnection
		}
		return nil, err
	}

	key := propertyID + "|" + provider.Name
	if !o.locks.tryAcquire(key) {
		return nil, ErrSyncInProgress
	}
	defer o.locks.release(key)

	start := o.now().UTC()
	result := &Result{PropertyID: propertyID, Type: syncType, StartedAt: start}
	o.publish(stream.KindSyncStarted, propertyID, syncType)

	var runErr error
	if syncType == TypeBookings || syncType == TypeBoth {
		runErr = o.syncBookings(ctx, conn, start, result, false)
	}
	if runErr == nil && (syncType == TypeCalendar || syncType == TypeBoth) {
		runErr = o.syncCalendar(ctx, conn, start, result)
	}

	outcome := "success"
	if runErr != nil {
		outcome = "failure"
	}
	result.Duration = o.now().Sub(start)
	obs.ObserveSyncRun(syncType, outcome, result.Duration)
	if runErr != nil {
		o.publish(stream.KindSyncFailed, propertyID, runErr.Error())
		return nil, runErr
	}
	o.publish(stream.KindSyncCompleted, propertyID, syncType)
	return result, nil
}

// Bootstrap performs the full initial import for a freshly linked property:
// every booking regardless of watermark, plus the calendar horizon. It is
// triggered asynchronously by the connection lifecycle and can be re-run
// manually if the first attempt fails.
func (o *Orchestrator) Bootstrap(ctx context.Context, propertyID string) error {
	conn, err := o.conns.FindActiveByProperty(ctx, propertyID, provider.Name)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return ErrNoActiveConnection
		}
		return err
	}

	key := propertyID + "|" + provider.Name
	if !o.locks.tryAcquire(key) {
		return ErrSyncInProgress
	}
	defer o.locks.release(key)

	start := o.now().UTC()
	result := &Result{PropertyID: propertyID, Type: TypeBoth, StartedAt: start}

	o.publish(stream.KindSyncStarted, propertyID, "bootstrap")
	if err := o.syncBookings(ctx, conn, start, result, true); err != nil {
		obs.ObserveSyncRun("bootstrap", "failure", o.now().Sub(start))
		o.publish(stream.KindSyncFailed, propertyID, err.Error())
		return err
	}
	if err := o.syncCalendar(ctx, conn, start, result); err != nil {
		obs.ObserveSyncRun("bootstrap", "failure", o.now().Sub(start))
		o.publish(stream.KindSyncFailed, propertyID, err.Error())
		return err
	}
	if err := o.state.StampBootstrap(ctx, propertyID, provider.Name, start); err != nil {
		return err
	}
	obs.ObserveSyncRun("bootstrap", "success", o.now().Sub(start))
	o.publish(stream.KindSyncCompleted, propertyID, "bootstrap")
	return nil
}

func (o *Orchestrator) syncBookings(ctx context.Context, conn *connection.Connection, runStart time.Time, result *Result, full bool) error {
	st, err := o.state.Get(ctx, conn.PropertyID, provider.Name)
	if err != nil {
		return err
	}
	from := st.BookingsModifiedFrom
	if full {
		from = time.Time{}
	}
	result.WatermarkFrom = st.BookingsModifiedFrom

	token, err := o.tokens.AccessToken(ctx, conn.PropertyID, false)
	if err != nil {
		return err
	}

	imported := 0
	pageFrom := from
	for {
		request := map[string]any{
			"external_property_id": conn.ExternalPropertyID,
			"modified_from":        pageFrom.UTC().Format(time.RFC3339),
			"limit":                o.pageSize,
		}
		bookings, err := o.client.FetchBookings(ctx, token, conn.ExternalPropertyID, pageFrom, o.pageSize)
		if err != nil {
			o.audit(ctx, "bookings.fetch", audit.StatusFailure, conn, request, map[string]any{"error": err.Error()})
			return fmt.Errorf("fetch bookings: %w", err)
		}
		o.audit(ctx, "bookings.fetch", audit.StatusSuccess, conn, request, map[string]any{
			"count":    len(bookings),
			"bookings": rawBookings(bookings),
		})

		for _, b := range bookings {
			if err := o.importBooking(ctx, conn, b); err != nil {
				// Watermark stays put: the next run repeats this batch and the
				// mapping-keyed upserts absorb the overlap.
				return err
			}
		}
		imported += len(bookings)

		if len(bookings) < o.pageSize {
			break
		}
		// A full page may hide more modified records behind the limit. Walk
		// the cursor to the newest modification stamp received and pull again;
		// the overlap at the boundary is absorbed by the upserts.
		next := latestModifiedAt(bookings)
		if !next.After(pageFrom) {
			// The cursor cannot move past this instant. Advance the watermark
			// only to what was actually received so nothing is skipped.
			if err := o.state.AdvanceBookingsWatermark(ctx, conn.PropertyID, provider.Name, next); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
			result.BookingsImported = imported
			result.WatermarkTo = next
			return nil
		}
		pageFrom = next
	}

	// Every page is durable; only now may the watermark move.
	if err := o.state.AdvanceBookingsWatermark(ctx, conn.PropertyID, provider.Name, runStart); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	result.BookingsImported = imported
	result.WatermarkTo = runStart
	return nil
}

func latestModifiedAt(bookings []provider.Booking) time.Time {
	var latest time.Time
	for _, b := range bookings {
		if b.ModifiedAt.After(latest) {
			latest = b.ModifiedAt
		}
	}
	return latest
}

func (o *Orchestrator) importBooking(ctx context.Context, conn *connection.Connection, b provider.Booking) error {
	if b.ExternalID == "" {
		return fmt.Errorf("syncer: booking without external id for property %s", conn.PropertyID)
	}
	internalID, err := o.ensureInternalID(ctx, mapping.EntityReservation, b.ExternalID, map[string]string{
		"property_id": conn.PropertyID,
	})
	if err != nil {
		return err
	}

	roomTypeID := ""
	if b.ExternalRoomTypeID != "" {
		roomTypeID, err = o.ensureInternalID(ctx, mapping.EntityRoomType, b.ExternalRoomTypeID, map[string]string{
			"property_id": conn.PropertyID,
		})
		if err != nil {
			return err
		}
	}

	return o.records.UpsertReservation(ctx, Reservation{
		ID:               internalID,
		PropertyID:       conn.PropertyID,
		Provider:         provider.Name,
		ExternalID:       b.ExternalID,
		GuestName:        b.GuestName,
		RoomTypeID:       roomTypeID,
		Arrival:          b.Arrival,
		Departure:        b.Departure,
		Status:           b.Status,
		TotalAmountCents: b.TotalAmountCents,
		Currency:         b.Currency,
		Payload:          b.Raw,
	})
}

// ensureInternalID resolves an external entity to an internal ID, creating
// the mapping lazily the first time the entity is observed.
func (o *Orchestrator) ensureInternalID(ctx context.Context, entityType, externalID string, meta map[string]string) (string, error) {
	internalID, err := o.maps.ResolveExternal(ctx, provider.Name, entityType, externalID)
	if err == nil {
		return internalID, nil
	}
	if !errors.Is(err, mapping.ErrNotFound) {
		return "", err
	}
	internalID = ids.New()
	if err := o.maps.Ensure(ctx, mapping.Mapping{
		Provider:   provider.Name,
		EntityType: entityType,
		ExternalID: externalID,
		InternalID: internalID,
		Metadata:   meta,
	}); err != nil {
		return "", err
	}
	return internalID, nil
}

func (o *Orchestrator) syncCalendar(ctx context.Context, conn *connection.Connection, runStart time.Time, result *Result) error {
	token, err := o.tokens.AccessToken(ctx, conn.PropertyID, false)
	if err != nil {
		return err
	}

	from := runStart.Truncate(24 * time.Hour)
	to := from.Add(o.horizon)
	request := map[string]any{
		"external_property_id": conn.ExternalPropertyID,
		"from":                 from.Format("2006-01-02"),
		"to":                   to.Format("2006-01-02"),
	}
	days, err := o.client.FetchCalendar(ctx, token, conn.ExternalPropertyID, from, to)
	if err != nil {
		o.audit(ctx, "calendar.fetch", audit.StatusFailure, conn, request, map[string]any{"error": err.Error()})
		return fmt.Errorf("fetch calendar: %w", err)
	}
	o.audit(ctx, "calendar.fetch", audit.StatusSuccess, conn, request, map[string]any{"count": len(days)})

	for _, d := range days {
		roomTypeID, err := o.ensureInternalID(ctx, mapping.EntityRoomType, d.ExternalRoomTypeID, map[string]string{
			"property_id": conn.PropertyID,
		})
		if err != nil {
			return err
		}
		if err := o.records.UpsertCalendarDay(ctx, CalendarRecord{
			PropertyID: conn.PropertyID,
			RoomTypeID: roomTypeID,
			Day:        d.Day,
			Available:  d.Available,
			RateCents:  d.RateCents,
			Currency:   d.Currency,
		}); err != nil {
			return err
		}
	}

	if err := o.state.StampCalendarSync(ctx, conn.PropertyID, provider.Name, runStart); err != nil {
		return err
	}
	result.CalendarDays = len(days)
	return nil
}

// PushAvailability sends outbound availability changes through the write
// credential. External room-type IDs are resolved in one batched mapping
// lookup before the call.
func (o *Orchestrator) PushAvailability(ctx context.Context, propertyID string, updates []AvailabilityChange) error {
	if len(updates) == 0 {
		return nil
	}
	conn, err := o.conns.FindActiveByProperty(ctx, propertyID, provider.Name)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return ErrNoActiveConnection
		}
		return err
	}

	token, err := o.tokens.AccessToken(ctx, propertyID, true)
	if err != nil {
		return err
	}

	internalIDs := make([]string, 0, len(updates))
	for _, u := range updates {
		internalIDs = append(internalIDs, u.RoomTypeID)
	}
	external, err := o.maps.ForInternal(ctx, provider.Name, mapping.EntityRoomType, internalIDs)
	if err != nil {
		return err
	}

	outbound := make([]provider.AvailabilityUpdate, 0, len(updates))
	for _, u := range updates {
		extID, ok := external[u.RoomTypeID]
		if !ok {
			return fmt.Errorf("%w: room type %s has no external mapping", mapping.ErrNotFound, u.RoomTypeID)
		}
		outbound = append(outbound, provider.AvailabilityUpdate{
			ExternalRoomTypeID: extID,
			Day:                u.Day.Format("2006-01-02"),
			Available:          u.Available,
		})
	}

	request := map[string]any{"updates": outbound}
	if err := o.client.PushAvailability(ctx, token, conn.ExternalPropertyID, outbound); err != nil {
		o.audit(ctx, "availability.push", audit.StatusFailure, conn, request, map[string]any{"error": err.Error()})
		return err
	}
	o.audit(ctx, "availability.push", audit.StatusSuccess, conn, request, map[string]any{"count": len(outbound)})
	return nil
}

// AvailabilityChange is an outbound availability delta in internal IDs.
type AvailabilityChange struct {
	RoomTypeID string    `json:"room_type_id"`
	Day        time.Time `json:"day"`
	Available  int       `json:"available"`
}

// Status joins sync state with connections into the per-property health view.
func (o *Orchestrator) Status(ctx context.Context) ([]PropertyStatus, error) {
	states, err := o.state.List(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]PropertyStatus, 0, len(states))
	for _, st := range states {
		ps := PropertyStatus{
			PropertyID:           st.PropertyID,
			Provider:             st.Provider,
			ConnectionStatus:     connection.StatusError,
			BookingsModifiedFrom: st.BookingsModifiedFrom,
			LastBookingsSync:     st.LastBookingsSync,
			LastCalendarSync:     st.LastCalendarSync,
			BootstrapCompletedAt: st.BootstrapCompletedAt,
		}
		conn, err := o.conns.FindActiveByProperty(ctx, st.PropertyID, st.Provider)
		if err == nil {
			ps.ConnectionStatus = conn.Status
			ps.LastTokenUseAt = conn.LastTokenUseAt
		} else if !errors.Is(err, connection.ErrNotFound) {
			return nil, err
		}
		res = append(res, ps)
	}
	return res, nil
}

func (o *Orchestrator) publish(kind, propertyID, detail string) {
	if o.events == nil {
		return
	}
	o.events.Publish(stream.Event{
		Kind:       kind,
		PropertyID: propertyID,
		Provider:   provider.Name,
		Detail:     detail,
	})
}

func (o *Orchestrator) audit(ctx context.Context, operation, status string, conn *connection.Connection, request, response any) {
	if o.rec == nil {
		return
	}
	if err := o.rec.Record(ctx, operation, status, conn.PropertyID, conn.OrgID, request, response); err != nil {
		obs.Error("audit append failed", map[string]any{
			"operation": operation, "error": err.Error(),
		})
	}
}

func rawBookings(bookings []provider.Booking) []map[string]any {
	out := make([]map[string]any, 0, len(bookings))
	for _, b := range bookings {
		if b.Raw != nil {
			out = append(out, b.Raw)
		}
	}
	return out
}

// keyedLocks is the per-(property, provider) mutual-exclusion region around a
// sync run. Try-acquire semantics: a concurrent trigger is rejected rather
// than queued.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *keyedLocks) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *keyedLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
