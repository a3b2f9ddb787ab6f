package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"staysync.org/internal/audit"
	"staysync.org/internal/connection"
	"staysync.org/internal/mapping"
	"staysync.org/internal/secrets"
	"staysync.org/internal/syncer"
	"staysync.org/internal/tokens"
)

type linkConnectionRequest struct {
	OrgID              string   `json:"org_id"`
	PropertyID         string   `json:"property_id"`
	ExternalPropertyID string   `json:"external_property_id"`
	InviteCode         string   `json:"invite_code"`
	Scopes             []string `json:"scopes"`
}

type syncTriggerRequest struct {
	HotelID string `json:"hotel_id"`
	Type    string `json:"type"`
}

type syncTriggerResponse struct {
	Success bool           `json:"success"`
	Result  *syncer.Result `json:"result"`
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	var req linkConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := a.linker.Link(r.Context(), connection.LinkRequest{
		OrgID:              strings.TrimSpace(req.OrgID),
		PropertyID:         strings.TrimSpace(req.PropertyID),
		ExternalPropertyID: strings.TrimSpace(req.ExternalPropertyID),
		InviteCode:         strings.TrimSpace(req.InviteCode),
		Scopes:             req.Scopes,
	})
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"connection": conn})
}

func (a *API) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	var req syncTriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	hotelID := strings.TrimSpace(req.HotelID)
	if hotelID == "" {
		writeError(w, r, http.StatusBadRequest, "hotel_id is required")
		return
	}
	syncType := strings.TrimSpace(req.Type)
	if syncType == "" {
		syncType = syncer.TypeBoth
	}

	result, err := a.syncs.TriggerSync(r.Context(), hotelID, syncType)
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncTriggerResponse{Success: true, Result: result})
}

type availabilityUpdateRequest struct {
	RoomTypeID string `json:"room_type_id"`
	Day        string `json:"day"`
	Available  int    `json:"available"`
}

type availabilityPushRequest struct {
	HotelID string                      `json:"hotel_id"`
	Updates []availabilityUpdateRequest `json:"updates"`
}

func (a *API) handleAvailabilityPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	var req availabilityPushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	hotelID := strings.TrimSpace(req.HotelID)
	if hotelID == "" {
		writeError(w, r, http.StatusBadRequest, "hotel_id is required")
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, r, http.StatusBadRequest, "updates are required")
		return
	}

	changes := make([]syncer.AvailabilityChange, 0, len(req.Updates))
	for _, u := range req.Updates {
		if strings.TrimSpace(u.RoomTypeID) == "" {
			writeError(w, r, http.StatusBadRequest, "room_type_id is required")
			return
		}
		day, err := time.Parse("2006-01-02", u.Day)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "day must be formatted YYYY-MM-DD")
			return
		}
		changes = append(changes, syncer.AvailabilityChange{
			RoomTypeID: u.RoomTypeID,
			Day:        day,
			Available:  u.Available,
		})
	}

	if err := a.syncs.PushAvailability(r.Context(), hotelID, changes); err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pushed": len(changes)})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	statuses, err := a.syncs.Status(r.Context())
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": statuses})
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.auditQ.Query(r.Context(), audit.Filter{
		Operation:  strings.TrimSpace(q.Get("operation")),
		Status:     strings.TrimSpace(q.Get("status")),
		PropertyID: strings.TrimSpace(q.Get("hotel_id")),
		Limit:      limit,
	})
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func handleChannelError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, connection.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, connection.ErrInvalidInput),
		errors.Is(err, syncer.ErrInvalidType),
		errors.Is(err, mapping.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, tokens.ErrNoWriteCredential),
		errors.Is(err, mapping.ErrNotFound):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, connection.ErrExchangeFailed),
		errors.Is(err, tokens.ErrRefreshFailed):
		writeErrorDetails(w, r, http.StatusBadGateway, "provider rejected the request", err.Error())
	case errors.Is(err, tokens.ErrNoActiveConnection),
		errors.Is(err, syncer.ErrNoActiveConnection),
		errors.Is(err, syncer.ErrStateNotFound),
		errors.Is(err, connection.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, mapping.ErrStore), errors.Is(err, secrets.ErrNotFound):
		// Never masked as success: a swallowed mapping failure duplicates
		// external records on the next sync.
		writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit out of range")
	}
	return val, nil
}

var errBodyRequired = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, code int, msg, details string) {
	payload := map[string]any{
		"error":   msg,
		"details": details,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
