package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExchangeInviteCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Fatalf("unexpected grant_type %q", got)
		}
		if got := r.PostForm.Get("code"); got != "INV123" {
			t.Fatalf("unexpected code %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "cid" {
			t.Fatalf("unexpected client_id %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"refresh_token":       "rt-read",
			"refresh_token_write": "rt-write",
			"scope":               "bookings:read availability:write",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused", srv.URL, "cid", "csecret")
	grant, err := c.ExchangeInviteCode(context.Background(), "INV123", []string{"bookings:read"})
	if err != nil {
		t.Fatalf("ExchangeInviteCode: %v", err)
	}
	if grant.RefreshTokenRead != "rt-read" || grant.RefreshTokenWrite != "rt-write" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if len(grant.Scopes) != 2 {
		t.Fatalf("unexpected scopes %v", grant.Scopes)
	}
}

func TestExchangeInviteCodeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused", srv.URL, "cid", "csecret")
	_, err := c.ExchangeInviteCode(context.Background(), "EXPIRED", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
}

func TestExchangeInviteCodeEmptyCode(t *testing.T) {
	c := NewHTTPClient("http://unused", "http://unused", "cid", "csecret")
	if _, err := c.ExchangeInviteCode(context.Background(), " ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("unexpected grant_type %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused", srv.URL, "cid", "csecret",
		WithClock(func() time.Time { return fixed }))
	tok, err := c.RefreshAccessToken(context.Background(), "rt-read")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if tok.Token != "at-1" {
		t.Fatalf("unexpected token %q", tok.Token)
	}
	if !tok.ExpiresAt.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", tok.ExpiresAt)
	}
}

func TestRefreshAccessTokenIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused", srv.URL, "cid", "csecret")
	_, err := c.RefreshAccessToken(context.Background(), "rt-read")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestFetchBookings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/properties/ext-9/bookings" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Fatalf("unexpected limit %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bookings": []map[string]any{
				{
					"id":           "bk-1",
					"room_type_id": "rt-1",
					"guest":        map[string]any{"name": "Jane Roe", "email": "jane@example.com"},
					"arrival":      "2026-04-01",
					"departure":    "2026-04-05",
					"status":       "confirmed",
					"amount_cents": 48000,
					"currency":     "EUR",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "http://unused", "cid", "csecret")
	bookings, err := c.FetchBookings(context.Background(), "at-1", "ext-9", time.Now(), 50)
	if err != nil {
		t.Fatalf("FetchBookings: %v", err)
	}
	if len(bookings) != 1 {
		t.Fatalf("expected 1 booking, got %d", len(bookings))
	}
	b := bookings[0]
	if b.ExternalID != "bk-1" || b.ExternalRoomTypeID != "rt-1" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if b.Arrival.Format("2006-01-02") != "2026-04-01" {
		t.Fatalf("unexpected arrival %v", b.Arrival)
	}
	if b.Raw == nil || b.Raw["id"] != "bk-1" {
		t.Fatalf("raw payload not retained: %v", b.Raw)
	}
}

func TestFetchBookingsBadStayDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bookings": []map[string]any{
				{
					"id":        "bk-1",
					"arrival":   "01/04/2026",
					"departure": "2026-04-05",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "http://unused", "cid", "csecret")
	_, err := c.FetchBookings(context.Background(), "at-1", "ext-9", time.Now(), 50)
	if err == nil {
		t.Fatal("expected decode error for malformed arrival date")
	}
	if !strings.Contains(err.Error(), "bk-1") {
		t.Fatalf("error does not name the booking: %v", err)
	}
}

func TestFetchCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/properties/ext-9/calendar" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"days": []map[string]any{
				{"room_type_id": "rt-1", "date": "2026-04-01", "available": 3, "rate_cents": 12900, "currency": "EUR"},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "http://unused", "cid", "csecret")
	days, err := c.FetchCalendar(context.Background(), "at-1", "ext-9",
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchCalendar: %v", err)
	}
	if len(days) != 1 || days[0].Available != 3 {
		t.Fatalf("unexpected days %+v", days)
	}
}

func TestPushAvailability(t *testing.T) {
	var gotBody map[string][]AvailabilityUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "http://unused", "cid", "csecret")
	err := c.PushAvailability(context.Background(), "at-1", "ext-9", []AvailabilityUpdate{
		{ExternalRoomTypeID: "rt-1", Day: "2026-04-01", Available: 2},
	})
	if err != nil {
		t.Fatalf("PushAvailability: %v", err)
	}
	if len(gotBody["updates"]) != 1 || gotBody["updates"][0].ExternalRoomTypeID != "rt-1" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestPushAvailabilityNoUpdates(t *testing.T) {
	c := NewHTTPClient("http://unused", "http://unused", "cid", "csecret")
	if err := c.PushAvailability(context.Background(), "at-1", "ext-9", nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestErrorBodyTruncated(t *testing.T) {
	big := make([]byte, 32<<10)
	for i := range big {
		big[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "http://unused", "cid", "csecret")
	_, err := c.FetchBookings(context.Background(), "at-1", "ext-9", time.Now(), 10)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if len(apiErr.Body) > 8<<10 {
		t.Fatalf("error body not truncated: %d bytes", len(apiErr.Body))
	}
}
