// Package tokens mints, caches and rotates short-lived access tokens for
// channel connections. Two tiers are consulted before any network call: the
// in-process cache, then the token persisted on the connection row, which
// survives process restarts. Concurrent callers needing the same token
// coalesce onto a single refresh-token grant; the provider treats duplicate
// concurrent refreshes as credential abuse.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"staysync.org/internal/audit"
	"staysync.org/internal/connection"
	"staysync.org/internal/obs"
	"staysync.org/internal/provider"
	"staysync.org/internal/secrets"
	"staysync.org/internal/stream"
)

// Token directions. A write token is minted from the write-scoped refresh
// token and is never persisted on the connection row.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

const defaultSafetyMargin = 60 * time.Second

var (
	// ErrNoActiveConnection indicates the property has no active channel link.
	ErrNoActiveConnection = errors.New("tokens: no active connection")
	// ErrNoWriteCredential indicates a write token was requested on a
	// read-only connection. Distinct from a generic auth failure so operators
	// know to re-link with broader scope.
	ErrNoWriteCredential = errors.New("tokens: connection holds no write refresh token")
	// ErrRefreshFailed indicates the provider rejected the refresh grant.
	// The connection is moved to error status when this is returned.
	ErrRefreshFailed = errors.New("tokens: refresh-token grant failed")
)

// Service is the access-token cache and mint path.
type Service struct {
	conns    connection.Store
	secrets  secrets.Store
	provider provider.Client

	cache  *memoryCache
	group  singleflight.Group
	events *stream.Stream
	rec    *audit.Recorder
	margin time.Duration
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithSafetyMargin overrides the validity margin required before reusing a
// cached token.
func WithSafetyMargin(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.margin = d
		}
	}
}

// WithEvents publishes refresh events on the given stream.
func WithEvents(st *stream.Stream) ServiceOption {
	return func(s *Service) {
		s.events = st
	}
}

// WithAudit records every refresh-token grant against the provider's
// authorization endpoint on the audit log.
func WithAudit(rec *audit.Recorder) ServiceOption {
	return func(s *Service) {
		s.rec = rec
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service.
func NewService(conns connection.Store, sec secrets.Store, client provider.Client, opts ...ServiceOption) *Service {
	s := &Service{
		conns:    conns,
		secrets:  sec,
		provider: client,
		cache:    newMemoryCache(),
		margin:   defaultSafetyMargin,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessToken returns a valid access token for the property's active
// connection. forWrite selects the write-scoped credential.
func (s *Service) AccessToken(ctx context.Context, propertyID string, forWrite bool) (string, error) {
	conn, err := s.conns.FindActiveByProperty(ctx, propertyID, provider.Name)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return "", ErrNoActiveConnection
		}
		return "", err
	}
	return s.tokenForConnection(ctx, conn, forWrite)
}

func (s *Service) tokenForConnection(ctx context.Context, conn *connection.Connection, forWrite bool) (string, error) {
	direction := DirectionRead
	if forWrite {
		if !conn.CanWrite() {
			return "", ErrNoWriteCredential
		}
		direction = DirectionWrite
	}

	key := conn.ID + "|" + direction
	validUntil := s.now().Add(s.margin)

	// Tier 1: in-process cache.
	if token, ok := s.cache.get(key, validUntil); ok {
		return token, nil
	}

	// Tier 2: token persisted on the connection row. Only the read token is
	// persisted; a hit here repopulates tier 1 and avoids a network round
	// trip after a process restart.
	if direction == DirectionRead && conn.CachedAccessToken != "" &&
		conn.CachedAccessTokenExpiry.After(validUntil) {
		s.cache.put(key, conn.CachedAccessToken, conn.CachedAccessTokenExpiry, s.now())
		return conn.CachedAccessToken, nil
	}

	return s.mint(ctx, conn, direction)
}

// mint performs the refresh-token grant. Callers racing for the same
// (connection, direction) share one in-flight grant and its result.
func (s *Service) mint(ctx context.Context, conn *connection.Connection, direction string) (string, error) {
	key := conn.ID + "|" + direction
	v, err, _ := s.group.Do(key, func() (any, error) {
		// A caller that queued behind an in-flight mint finds the fresh token
		// in tier 1; re-check before issuing another grant.
		if token, ok := s.cache.get(key, s.now().Add(s.margin)); ok {
			return token, nil
		}
		return s.refresh(ctx, conn, direction)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) refresh(ctx context.Context, conn *connection.Connection, direction string) (string, error) {
	ref := conn.RefreshTokenReadRef
	if direction == DirectionWrite {
		ref = conn.RefreshTokenWriteRef
	}
	refreshToken, err := s.secrets.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve refresh token: %w", err)
	}

	request := map[string]any{
		"connection_id": conn.ID,
		"direction":     direction,
		"grant_type":    "refresh_token",
	}
	minted, err := s.provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		obs.ObserveTokenRefresh(direction, "failure")
		s.audit(ctx, audit.StatusFailure, conn, request, map[string]any{"error": err.Error()})
		s.degrade(ctx, conn)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	obs.ObserveTokenRefresh(direction, "success")
	s.audit(ctx, audit.StatusSuccess, conn, request, map[string]any{
		"access_token": minted.Token,
		"expires_at":   minted.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if s.events != nil {
		s.events.Publish(stream.Event{
			Kind:       stream.KindTokenRefreshed,
			PropertyID: conn.PropertyID,
			Provider:   provider.Name,
			Detail:     direction,
		})
	}

	key := conn.ID + "|" + direction
	s.cache.put(key, minted.Token, minted.ExpiresAt, s.now())

	if direction == DirectionRead {
		if err := s.conns.UpdateCachedToken(ctx, conn.ID, minted.Token, minted.ExpiresAt); err != nil {
			// The token itself is good; losing the persisted tier only costs
			// an extra refresh after a restart.
			obs.Warn("persist cached token failed", map[string]any{
				"connection_id": conn.ID, "error": err.Error(),
			})
		}
	} else if err := s.conns.TouchTokenUse(ctx, conn.ID); err != nil {
		obs.Warn("stamp token use failed", map[string]any{
			"connection_id": conn.ID, "error": err.Error(),
		})
	}
	return minted.Token, nil
}

func (s *Service) audit(ctx context.Context, status string, conn *connection.Connection, request, response any) {
	if s.rec == nil {
		return
	}
	if err := s.rec.Record(ctx, "token.refresh", status, conn.PropertyID, conn.OrgID, request, response); err != nil {
		obs.Error("audit append failed", map[string]any{
			"operation": "token.refresh", "error": err.Error(),
		})
	}
}

// degrade moves the connection to error status so subsequent sync attempts
// short-circuit instead of retrying against a dead credential.
func (s *Service) degrade(ctx context.Context, conn *connection.Connection) {
	s.cache.drop(conn.ID + "|" + DirectionRead)
	s.cache.drop(conn.ID + "|" + DirectionWrite)
	if err := s.conns.SetStatus(ctx, conn.ID, connection.StatusError); err != nil {
		obs.Error("mark connection error failed", map[string]any{
			"connection_id": conn.ID, "error": err.Error(),
		})
	}
}

// KeepAlive proactively mints a fresh read token for the property's
// connection, bypassing both cache tiers. A failure leaves the connection in
// error status.
func (s *Service) KeepAlive(ctx context.Context, propertyID string) error {
	conn, err := s.conns.FindActiveByProperty(ctx, propertyID, provider.Name)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return ErrNoActiveConnection
		}
		return err
	}
	key := conn.ID + "|" + DirectionRead
	_, err, _ = s.group.Do(key, func() (any, error) {
		return s.refresh(ctx, conn, DirectionRead)
	})
	return err
}

// KeepAliveAll refreshes every active connection and reports per-property
// outcomes. One dead credential does not stop the rest.
func (s *Service) KeepAliveAll(ctx context.Context) (map[string]string, error) {
	conns, err := s.conns.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[string]string, len(conns))
	for _, conn := range conns {
		if err := s.KeepAlive(ctx, conn.PropertyID); err != nil {
			results[conn.PropertyID] = err.Error()
			continue
		}
		results[conn.PropertyID] = "ok"
	}
	return results, nil
}
