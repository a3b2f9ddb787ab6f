package audit

import (
	"encoding/json"
	"strings"
)

// Marker replaces every sensitive value before persistence. Replacement is
// irreversible; a value persisted once is already a leak.
const Marker = "[REDACTED]"

// denylist is matched case-insensitively as a substring of key names only,
// never of values, and applies uniformly to request and response payloads.
var denylist = []string{
	"authorization",
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
	"credential",
	"email",
	"phone",
	"card",
	"cvv",
	"payment",
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, needle := range denylist {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}

// Redact walks a payload and replaces the value of every field whose name
// matches the denylist, recursing into nested objects and arrays. The input
// is not modified.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey(k) {
				out[k] = Marker
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// redactJSON normalizes an arbitrary payload through JSON so struct fields
// and typed maps all pass through the same key-name walk, then redacts it.
// Returns the redacted payload as raw JSON ready for persistence.
func redactJSON(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	clean, err := json.Marshal(Redact(generic))
	if err != nil {
		return nil, err
	}
	return clean, nil
}
