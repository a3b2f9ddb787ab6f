package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"staysync.org/internal/audit"
	"staysync.org/internal/connection"
	"staysync.org/internal/obs"
	"staysync.org/internal/stream"
	"staysync.org/internal/syncer"
)

// ReadyProbe reports backend readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// LinkService is the connection lifecycle surface used by the API.
type LinkService interface {
	Link(ctx context.Context, req connection.LinkRequest) (*connection.Connection, error)
}

// SyncService is the orchestrator surface used by the API.
type SyncService interface {
	TriggerSync(ctx context.Context, propertyID, syncType string) (*syncer.Result, error)
	Status(ctx context.Context) ([]syncer.PropertyStatus, error)
	PushAvailability(ctx context.Context, propertyID string, updates []syncer.AvailabilityChange) error
}

// TokenService is the internal token surface used by the API.
type TokenService interface {
	AccessToken(ctx context.Context, propertyID string, forWrite bool) (string, error)
	KeepAlive(ctx context.Context, propertyID string) error
	KeepAliveAll(ctx context.Context) (map[string]string, error)
}

// AuditQuerier reads persisted (already redacted) audit entries.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	linker LinkService
	syncs  SyncService
	tokens TokenService
	auditQ AuditQuerier

	events *stream.Stream

	syncSecret string
	rateBurst  int
	ratePerSec int
}

// Option configures the API.
type Option func(*API)

// WithEventStream exposes the sync event feed on /v1/channel/events.
func WithEventStream(s *stream.Stream) Option {
	return func(a *API) {
		a.events = s
	}
}

// WithRateLimit overrides the per-client request limiter.
func WithRateLimit(burst, perSec int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSec > 0 {
			a.ratePerSec = perSec
		}
	}
}

func New(rp ReadyProbe, version string, linker LinkService, syncs SyncService,
	tok TokenService, auditQ AuditQuerier, syncSecret string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		linker:     linker,
		syncs:      syncs,
		tokens:     tok,
		auditQ:     auditQ,
		syncSecret: syncSecret,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/channel/connections", a.handleConnections)
	a.mux.HandleFunc("/v1/channel/sync", a.handleSyncTrigger)
	a.mux.HandleFunc("/v1/channel/sync/status", a.handleSyncStatus)
	a.mux.HandleFunc("/v1/channel/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/channel/events", a.handleEvents)

	a.mux.HandleFunc("/v1/internal/tokens/access", a.handleTokenAccess)
	a.mux.HandleFunc("/v1/internal/tokens/keepalive", a.handleTokenKeepAlive)
	a.mux.HandleFunc("/v1/internal/availability/push", a.handleAvailabilityPush)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "staysync-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "staysync-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
