// Package audit records an append-only, secret-redacted trail of every call
// made against the channel-manager provider.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"staysync.org/internal/ids"
	"staysync.org/internal/obs"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// ErrInvalidEntry indicates a log entry without an operation name.
	ErrInvalidEntry = errors.New("audit: operation is required")
)

// Entry is one immutable audit record. Request and Response hold the already
// redacted payloads once the entry has passed through the Recorder.
type Entry struct {
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Operation  string          `json:"operation"`
	Status     string          `json:"status"`
	PropertyID string          `json:"property_id,omitempty"`
	OrgID      string          `json:"org_id,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Filter narrows audit queries. Operation matches as a substring.
type Filter struct {
	Operation  string
	Status     string
	PropertyID string
	Limit      int
}

// Store appends and queries persisted entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Recorder applies the redaction pass and persists entries. Redaction happens
// before the store sees the payload, never after.
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record redacts the given payloads and appends the entry. The unredacted
// payloads never reach the store.
func (r *Recorder) Record(ctx context.Context, operation, status, propertyID, orgID string, request, response any) error {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return ErrInvalidEntry
	}
	req, err := redactJSON(request)
	if err != nil {
		return err
	}
	resp, err := redactJSON(response)
	if err != nil {
		return err
	}
	entry := &Entry{
		ID:         ids.New(),
		OccurredAt: r.now().UTC(),
		Operation:  operation,
		Status:     status,
		PropertyID: propertyID,
		OrgID:      orgID,
		Request:    req,
		Response:   resp,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return err
	}

	line := map[string]any{
		"ts":        entry.OccurredAt.Format(time.RFC3339Nano),
		"type":      "audit",
		"operation": operation,
		"status":    status,
	}
	if propertyID != "" {
		line["property_id"] = propertyID
	}
	if orgID != "" {
		line["org_id"] = orgID
	}
	obs.LogRequest(line)
	return nil
}

// Query returns persisted entries; payloads are stored redacted, so rows are
// safe to return as-is.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.Query(ctx, f)
}
