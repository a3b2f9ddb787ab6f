// Package secrets files long-lived credentials under opaque references so the
// rest of the service never stores or logs a raw secret value.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the reference does not resolve to a stored secret.
	ErrNotFound = errors.New("secrets: not found")
	// ErrEmptyValue indicates an attempt to file an empty secret.
	ErrEmptyValue = errors.New("secrets: empty value")
)

// Store resolves and files secret values by opaque reference.
type Store interface {
	// Get returns the raw secret value for a reference.
	Get(ctx context.Context, ref string) (string, error)
	// Put files a secret value and returns the reference under which it was stored.
	Put(ctx context.Context, value string) (string, error)
}
