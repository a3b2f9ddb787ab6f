package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxErrorBody   = 8 << 10
	defaultTimeout = 20 * time.Second
	dateLayout     = "2006-01-02"
)

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpc        *http.Client
	limiter      *rate.Limiter
	now          func() time.Time
}

// Option configures HTTPClient.
type Option func(*HTTPClient)

// WithTimeout bounds every outbound call.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpc.Timeout = d
		}
	}
}

// WithRateLimit throttles outbound calls to the provider.
func WithRateLimit(perSecond int) Option {
	return func(c *HTTPClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *HTTPClient) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewHTTPClient constructs a client for the given API and token endpoints.
func NewHTTPClient(baseURL, tokenURL, clientID, clientSecret string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        &http.Client{Timeout: defaultTimeout},
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenEndpointResponse struct {
	AccessToken       string `json:"access_token"`
	ExpiresIn         int    `json:"expires_in"`
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenWrite string `json:"refresh_token_write"`
	Scope             string `json:"scope"`
}

func (c *HTTPClient) ExchangeInviteCode(ctx context.Context, inviteCode string, scopes []string) (Grant, error) {
	if strings.TrimSpace(inviteCode) == "" {
		return Grant{}, ErrInvalidInput
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {inviteCode},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	var resp tokenEndpointResponse
	if err := c.postForm(ctx, "exchange_invite_code", c.tokenURL, form, &resp); err != nil {
		return Grant{}, err
	}
	if resp.RefreshToken == "" {
		return Grant{}, &APIError{Operation: "exchange_invite_code", StatusCode: http.StatusOK, Body: "missing refresh_token in response"}
	}
	return Grant{
		RefreshTokenRead:  resp.RefreshToken,
		RefreshTokenWrite: resp.RefreshTokenWrite,
		Scopes:            strings.Fields(resp.Scope),
	}, nil
}

func (c *HTTPClient) RefreshAccessToken(ctx context.Context, refreshToken string) (AccessToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return AccessToken{}, ErrInvalidInput
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	var resp tokenEndpointResponse
	if err := c.postForm(ctx, "refresh_access_token", c.tokenURL, form, &resp); err != nil {
		return AccessToken{}, err
	}
	if resp.AccessToken == "" || resp.ExpiresIn <= 0 {
		return AccessToken{}, &APIError{Operation: "refresh_access_token", StatusCode: http.StatusOK, Body: "incomplete token response"}
	}
	return AccessToken{
		Token:     resp.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

type bookingPayload struct {
	ID         string `json:"id"`
	RoomTypeID string `json:"room_type_id"`
	Guest      struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"guest"`
	Arrival     string    `json:"arrival"`
	Departure   string    `json:"departure"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	ModifiedAt  time.Time `json:"modified_at"`
}

func (c *HTTPClient) FetchBookings(ctx context.Context, accessToken, externalPropertyID string, modifiedFrom time.Time, limit int) ([]Booking, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	endpoint := fmt.Sprintf("%s/v1/properties/%s/bookings?modified_from=%s&limit=%d",
		c.baseURL, url.PathEscape(externalPropertyID),
		url.QueryEscape(modifiedFrom.UTC().Format(time.RFC3339)), limit)

	var payload struct {
		Bookings []json.RawMessage `json:"bookings"`
	}
	if err := c.getJSON(ctx, "fetch_bookings", endpoint, accessToken, &payload); err != nil {
		return nil, err
	}

	bookings := make([]Booking, 0, len(payload.Bookings))
	for _, raw := range payload.Bookings {
		var bp bookingPayload
		if err := json.Unmarshal(raw, &bp); err != nil {
			return nil, fmt.Errorf("provider: decode booking: %w", err)
		}
		var rawMap map[string]any
		_ = json.Unmarshal(raw, &rawMap)
		b := Booking{
			ExternalID:         bp.ID,
			ExternalRoomTypeID: bp.RoomTypeID,
			GuestName:          bp.Guest.Name,
			GuestEmail:         bp.Guest.Email,
			Status:             bp.Status,
			TotalAmountCents:   bp.AmountCents,
			Currency:           bp.Currency,
			ModifiedAt:         bp.ModifiedAt,
			Raw:                rawMap,
		}
		if bp.Arrival != "" {
			t, err := time.Parse(dateLayout, bp.Arrival)
			if err != nil {
				return nil, fmt.Errorf("provider: decode booking %s arrival: %w", bp.ID, err)
			}
			b.Arrival = t
		}
		if bp.Departure != "" {
			t, err := time.Parse(dateLayout, bp.Departure)
			if err != nil {
				return nil, fmt.Errorf("provider: decode booking %s departure: %w", bp.ID, err)
			}
			b.Departure = t
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

func (c *HTTPClient) FetchCalendar(ctx context.Context, accessToken, externalPropertyID string, from, to time.Time) ([]CalendarDay, error) {
	endpoint := fmt.Sprintf("%s/v1/properties/%s/calendar?from=%s&to=%s",
		c.baseURL, url.PathEscape(externalPropertyID),
		from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))

	var payload struct {
		Days []struct {
			RoomTypeID string `json:"room_type_id"`
			Date       string `json:"date"`
			Available  int    `json:"available"`
			RateCents  int64  `json:"rate_cents"`
			Currency   string `json:"currency"`
		} `json:"days"`
	}
	if err := c.getJSON(ctx, "fetch_calendar", endpoint, accessToken, &payload); err != nil {
		return nil, err
	}

	days := make([]CalendarDay, 0, len(payload.Days))
	for _, d := range payload.Days {
		day, err := time.Parse(dateLayout, d.Date)
		if err != nil {
			return nil, fmt.Errorf("provider: decode calendar day %q: %w", d.Date, err)
		}
		days = append(days, CalendarDay{
			ExternalRoomTypeID: d.RoomTypeID,
			Day:                day,
			Available:          d.Available,
			RateCents:          d.RateCents,
			Currency:           d.Currency,
		})
	}
	return days, nil
}

func (c *HTTPClient) PushAvailability(ctx context.Context, accessToken, externalPropertyID string, updates []AvailabilityUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/v1/properties/%s/availability", c.baseURL, url.PathEscape(externalPropertyID))
	body, err := json.Marshal(map[string]any{"updates": updates})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do("push_availability", req, nil)
}

// --- transport helpers ---

func (c *HTTPClient) postForm(ctx context.Context, operation, endpoint string, form url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(operation, req, dst)
}

func (c *HTTPClient) getJSON(ctx context.Context, operation, endpoint, accessToken string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(operation, req, dst)
}

func (c *HTTPClient) do(operation string, req *http.Request, dst any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: "malformed response: " + strconv.Quote(err.Error())}
	}
	return nil
}
