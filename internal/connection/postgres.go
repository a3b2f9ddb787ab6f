package connection

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

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

const connectionColumns = `
	id, org_id, property_id, provider, external_property_id, scopes,
	refresh_token_read_ref, coalesce(refresh_token_write_ref,''),
	coalesce(cached_access_token,''), cached_access_token_expiry,
	status, last_token_use_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, c *Connection) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	var writeRef any
	if c.RefreshTokenWriteRef != "" {
		writeRef = c.RefreshTokenWriteRef
	}
	_, err := s.db.ExecContext(ctx, `
		insert into channel_connections(
			id, org_id, property_id, provider, external_property_id, scopes,
			refresh_token_read_ref, refresh_token_write_ref, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.OrgID, c.PropertyID, c.Provider, c.ExternalPropertyID,
		scopesToArray(c.Scopes), c.RefreshTokenReadRef, writeRef, c.Status)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`select`+connectionColumns+` from channel_connections where id=$1`, id)
	return scanConnection(row)
}

func (s *PGStore) FindActiveByProperty(ctx context.Context, propertyID, provider string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		select`+connectionColumns+` from channel_connections
		where property_id=$1 and provider=$2 and status=$3
	`, propertyID, provider, StatusActive)
	return scanConnection(row)
}

func (s *PGStore) ListActive(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+connectionColumns+` from channel_connections
		where status=$1 order by created_at asc
	`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *PGStore) UpdateCachedToken(ctx context.Context, id, token string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update channel_connections
		set cached_access_token=$2, cached_access_token_expiry=$3,
		    last_token_use_at=now(), updated_at=now()
		where id=$1
	`, id, token, expiry)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) TouchTokenUse(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update channel_connections set last_token_use_at=now(), updated_at=now() where id=$1
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update channel_connections set status=$2, updated_at=now() where id=$1
	`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*Connection, error) {
	var (
		c         Connection
		scopesRaw string
		expiry    sql.NullTime
		lastUse   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OrgID, &c.PropertyID, &c.Provider, &c.ExternalPropertyID,
		&scopesRaw, &c.RefreshTokenReadRef, &c.RefreshTokenWriteRef,
		&c.CachedAccessToken, &expiry, &c.Status, &lastUse, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Scopes = scopesFromArray(scopesRaw)
	if expiry.Valid {
		c.CachedAccessTokenExpiry = expiry.Time
	}
	if lastUse.Valid {
		c.LastTokenUseAt = lastUse.Time
	}
	return &c, nil
}

// Scopes travel as a comma-joined text column; values are single words
// (bookings, inventory, properties) so no quoting is needed.
func scopesToArray(scopes []string) string {
	return strings.Join(scopes, ",")
}

func scopesFromArray(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
