package secrets

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"staysync.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNotFound
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`select value from channel_secrets where ref=$1`, ref,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *PGStore) Put(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", ErrEmptyValue
	}
	ref := ids.NewSecretRef()
	if _, err := s.db.ExecContext(ctx,
		`insert into channel_secrets(ref, value) values($1,$2)`, ref, value,
	); err != nil {
		return "", err
	}
	return ref, nil
}
