package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var _ Repository = (*PGRepository)(nil)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *sql.DB
}

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) ResolveExternal(ctx context.Context, provider, entityType, externalID string) (string, error) {
	if err := validateKey(provider, entityType, externalID); err != nil {
		return "", err
	}
	var internalID string
	err := r.db.QueryRowContext(ctx, `
		select internal_id from external_mappings
		where provider=$1 and entity_type=$2 and external_id=$3
	`, provider, entityType, externalID).Scan(&internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolve external: %v", ErrStore, err)
	}
	return internalID, nil
}

func (r *PGRepository) ReverseLookup(ctx context.Context, provider, entityType, internalID string) (string, error) {
	if err := validateKey(provider, entityType, internalID); err != nil {
		return "", err
	}
	var externalID string
	err := r.db.QueryRowContext(ctx, `
		select external_id from external_mappings
		where provider=$1 and entity_type=$2 and internal_id=$3
	`, provider, entityType, internalID).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: reverse lookup: %v", ErrStore, err)
	}
	return externalID, nil
}

func (r *PGRepository) Ensure(ctx context.Context, m Mapping) error {
	if err := validateKey(m.Provider, m.EntityType, m.ExternalID); err != nil {
		return err
	}
	if strings.TrimSpace(m.InternalID) == "" {
		return ErrInvalidInput
	}
	meta, _ := json.Marshal(m.Metadata)
	// updated_at only bumps when the row actually changes, so an identical
	// re-ensure leaves the revision timestamp alone.
	_, err := r.db.ExecContext(ctx, `
		insert into external_mappings(provider, entity_type, external_id, internal_id, metadata)
		values ($1,$2,$3,$4,$5)
		on conflict (provider, entity_type, external_id) do update
		set internal_id = excluded.internal_id,
		    metadata    = excluded.metadata,
		    updated_at  = now()
		where external_mappings.internal_id is distinct from excluded.internal_id
		   or external_mappings.metadata    is distinct from excluded.metadata
	`, m.Provider, m.EntityType, m.ExternalID, m.InternalID, meta)
	if err != nil {
		return fmt.Errorf("%w: ensure: %v", ErrStore, err)
	}
	return nil
}

func (r *PGRepository) ForInternal(ctx context.Context, provider, entityType string, internalIDs []string) (map[string]string, error) {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(entityType) == "" {
		return nil, ErrInvalidInput
	}
	out := make(map[string]string, len(internalIDs))
	if len(internalIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, 0, len(internalIDs))
	args := []any{provider, entityType}
	for i, id := range internalIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx, `
		select internal_id, external_id from external_mappings
		where provider=$1 and entity_type=$2 and internal_id in (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: batch lookup: %v", ErrStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		var internalID, externalID string
		if err := rows.Scan(&internalID, &externalID); err != nil {
			return nil, fmt.Errorf("%w: batch lookup: %v", ErrStore, err)
		}
		out[internalID] = externalID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: batch lookup: %v", ErrStore, err)
	}
	return out, nil
}

func validateKey(provider, entityType, id string) error {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(entityType) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return nil
}
