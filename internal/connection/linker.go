package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"staysync.org/internal/audit"
	"staysync.org/internal/auth"
	"staysync.org/internal/obs"
	"staysync.org/internal/provider"
	"staysync.org/internal/secrets"
	"staysync.org/internal/stream"
)

// LinkRequest carries the administrative linking input.
type LinkRequest struct {
	OrgID              string
	PropertyID         string
	ExternalPropertyID string
	InviteCode         string
	Scopes             []string
}

// SyncSeeder creates the initial sync-state row for a freshly linked property.
type SyncSeeder interface {
	Seed(ctx context.Context, propertyID, providerName string, watermark time.Time) error
}

// Bootstrapper runs the first full import after linking.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, propertyID string) error
}

// InviteExchanger is the slice of the provider client the linker needs.
type InviteExchanger interface {
	ExchangeInviteCode(ctx context.Context, inviteCode string, scopes []string) (provider.Grant, error)
}

const bootstrapTimeout = 5 * time.Minute

// Linker performs the initial invite-code exchange and creates the
// Connection. Establishing the credential and importing the data are
// deliberately decoupled: the connection is valid even when the first import
// has to be retried manually.
type Linker struct {
	conns     Store
	secrets   secrets.Store
	exchanger InviteExchanger
	seeder    SyncSeeder
	bootstrap Bootstrapper
	rec       *audit.Recorder
	events    *stream.Stream
	now       func() time.Time
}

// LinkerOption configures the Linker.
type LinkerOption func(*Linker)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) LinkerOption {
	return func(l *Linker) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithEvents publishes lifecycle events on the given stream.
func WithEvents(s *stream.Stream) LinkerOption {
	return func(l *Linker) {
		l.events = s
	}
}

// NewLinker constructs the lifecycle manager.
func NewLinker(conns Store, sec secrets.Store, exchanger InviteExchanger, seeder SyncSeeder,
	bootstrap Bootstrapper, rec *audit.Recorder, opts ...LinkerOption) *Linker {
	l := &Linker{
		conns:     conns,
		secrets:   sec,
		exchanger: exchanger,
		seeder:    seeder,
		bootstrap: bootstrap,
		rec:       rec,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Link exchanges the one-time invite code, files the granted refresh tokens
// with the secret store, creates the active Connection and seeds its sync
// state with the watermark set to now. The first full import is triggered
// asynchronously; its failure is logged, never surfaced to the caller.
func (l *Linker) Link(ctx context.Context, req LinkRequest) (*Connection, error) {
	if !auth.IsAdmin(ctx) {
		return nil, ErrForbidden
	}
	if err := validateLinkRequest(req); err != nil {
		return nil, err
	}

	grant, err := l.exchanger.ExchangeInviteCode(ctx, req.InviteCode, req.Scopes)
	if err != nil {
		l.audit(ctx, audit.StatusFailure, req, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	readRef, err := l.secrets.Put(ctx, grant.RefreshTokenRead)
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	writeRef := ""
	if grant.RefreshTokenWrite != "" {
		writeRef, err = l.secrets.Put(ctx, grant.RefreshTokenWrite)
		if err != nil {
			return nil, fmt.Errorf("store write refresh token: %w", err)
		}
	}

	// A re-link replaces the previous credential: demote any existing active
	// connection so the one-active-per-property invariant holds.
	if existing, err := l.conns.FindActiveByProperty(ctx, req.PropertyID, provider.Name); err == nil {
		if err := l.conns.SetStatus(ctx, existing.ID, StatusError); err != nil {
			return nil, fmt.Errorf("demote previous connection: %w", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	scopes := grant.Scopes
	if len(scopes) == 0 {
		scopes = req.Scopes
	}
	conn := &Connection{
		OrgID:                req.OrgID,
		PropertyID:           req.PropertyID,
		Provider:             provider.Name,
		ExternalPropertyID:   req.ExternalPropertyID,
		Scopes:               scopes,
		RefreshTokenReadRef:  readRef,
		RefreshTokenWriteRef: writeRef,
		Status:               StatusActive,
	}
	if err := l.conns.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	if err := l.seeder.Seed(ctx, req.PropertyID, provider.Name, l.now().UTC()); err != nil {
		return nil, fmt.Errorf("seed sync state: %w", err)
	}

	l.audit(ctx, audit.StatusSuccess, req, map[string]any{
		"connection_id": conn.ID,
		"scopes":        scopes,
		"write_capable": conn.CanWrite(),
	})

	if l.events != nil {
		l.events.Publish(stream.Event{
			Kind:       stream.KindConnectionLinked,
			PropertyID: req.PropertyID,
			Provider:   provider.Name,
			Detail:     conn.ID,
		})
	}

	l.triggerBootstrap(req.PropertyID)
	return conn, nil
}

// triggerBootstrap starts the initial import on a detached context; the
// linking request has already succeeded by the time this runs.
func (l *Linker) triggerBootstrap(propertyID string) {
	if l.bootstrap == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if err := l.bootstrap.Bootstrap(ctx, propertyID); err != nil {
			obs.Error("initial import failed", map[string]any{
				"property_id": propertyID, "error": err.Error(),
			})
		}
	}()
}

func (l *Linker) audit(ctx context.Context, status string, req LinkRequest, response map[string]any) {
	if l.rec == nil {
		return
	}
	request := map[string]any{
		"property_id":          req.PropertyID,
		"external_property_id": req.ExternalPropertyID,
		"scopes":               req.Scopes,
	}
	if err := l.rec.Record(ctx, "connection.link", status, req.PropertyID, req.OrgID, request, response); err != nil {
		obs.Error("audit append failed", map[string]any{
			"operation": "connection.link", "error": err.Error(),
		})
	}
}

func validateLinkRequest(req LinkRequest) error {
	if strings.TrimSpace(req.OrgID) == "" ||
		strings.TrimSpace(req.PropertyID) == "" ||
		strings.TrimSpace(req.ExternalPropertyID) == "" ||
		strings.TrimSpace(req.InviteCode) == "" {
		return ErrInvalidInput
	}
	return nil
}
