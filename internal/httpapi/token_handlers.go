package httpapi

import (
	"net/http"
	"strings"
)

type tokenAccessRequest struct {
	HotelID  string `json:"hotel_id"`
	ForWrite bool   `json:"for_write"`
}

type keepAliveRequest struct {
	HotelID string `json:"hotel_id"`
}

func (a *API) handleTokenAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	var req tokenAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	hotelID := strings.TrimSpace(req.HotelID)
	if hotelID == "" {
		writeError(w, r, http.StatusBadRequest, "hotel_id is required")
		return
	}

	token, err := a.tokens.AccessToken(r.Context(), hotelID, req.ForWrite)
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": token})
}

func (a *API) handleTokenKeepAlive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r) {
		return
	}

	// An empty body means "refresh every active connection".
	var req keepAliveRequest
	if err := decodeJSON(w, r, &req); err != nil && err != errBodyRequired {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if hotelID := strings.TrimSpace(req.HotelID); hotelID != "" {
		if err := a.tokens.KeepAlive(r.Context(), hotelID); err != nil {
			handleChannelError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": map[string]string{hotelID: "ok"}})
		return
	}

	results, err := a.tokens.KeepAliveAll(r.Context())
	if err != nil {
		handleChannelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
