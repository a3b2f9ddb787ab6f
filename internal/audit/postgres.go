package audit

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. The table is append-only: there
// is no update or delete path.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	var propertyID, orgID any
	if e.PropertyID != "" {
		propertyID = e.PropertyID
	}
	if e.OrgID != "" {
		orgID = e.OrgID
	}
	_, err := s.db.ExecContext(ctx, `
		insert into channel_audit_log(id, occurred_at, operation, status, property_id, org_id, request, response)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.OccurredAt, e.Operation, e.Status, propertyID, orgID, nullableJSON(e.Request), nullableJSON(e.Response))
	return err
}

func (s *PGStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := []string{"true"}
	args := []any{}
	if op := strings.TrimSpace(f.Operation); op != "" {
		args = append(args, "%"+op+"%")
		where = append(where, "operation like $"+itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+itoa(len(args)))
	}
	if f.PropertyID != "" {
		args = append(args, f.PropertyID)
		where = append(where, "property_id = $"+itoa(len(args)))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, operation, status, coalesce(property_id,''), coalesce(org_id,''),
		       coalesce(request,'null'), coalesce(response,'null')
		from channel_audit_log
		where `+strings.Join(where, " and ")+`
		order by occurred_at desc
		limit $`+itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var e Entry
		var req, resp []byte
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Operation, &e.Status, &e.PropertyID, &e.OrgID, &req, &resp); err != nil {
			return nil, err
		}
		if string(req) != "null" {
			e.Request = req
		}
		if string(resp) != "null" {
			e.Response = resp
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
