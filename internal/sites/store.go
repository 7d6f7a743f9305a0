package sites

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type DBTX interface {
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row
}

type Store struct{ db DBTX }

func NewStore(db DBTX) *Store { return &Store{db: db} }

func (s *Store) Insert(ctx context.Context, site JobSite) error {
	const q = `
	INSERT INTO job_sites (site_id, name, address, active, lat, lng, radius_feet, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP(6), UTC_TIMESTAMP(6))`
	_, err := s.db.ExecContext(ctx, q,
		site.SiteID, site.Name, site.Address, site.Active, site.Lat, site.Lng, site.RadiusFeet)
	return err
}

func (s *Store) GetByID(ctx context.Context, siteID string) (*JobSite, error) {
	const q = `
	SELECT site_id, name, address, active, lat, lng, radius_feet, created_at, updated_at
	FROM job_sites
	WHERE site_id = ?
	LIMIT 1`
	var r siteRow
	err := s.db.QueryRowContext(ctx, q, siteID).Scan(
		&r.SiteID, &r.Name, &r.Address, &r.Active, &r.Lat, &r.Lng, &r.RadiusFeet, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := r.toModel()
	return &m, nil
}

func (s *Store) List(ctx context.Context, q ListQuery) ([]JobSite, int64, error) {
	var (
		buf    bytes.Buffer
		args   []any
		wheres []string
	)

	buf.WriteString(`
	SELECT site_id, name, address, active, lat, lng, radius_feet, created_at, updated_at
	FROM job_sites
	`)
	if q.ActiveOnly {
		wheres = append(wheres, "active = 1")
	}
	if len(wheres) > 0 {
		buf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	buf.WriteString(" ORDER BY name ASC, site_id ASC")
	buf.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset))

	rows, err := s.db.QueryContext(ctx, buf.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []JobSite
	for rows.Next() {
		var r siteRow
		if err := rows.Scan(&r.SiteID, &r.Name, &r.Address, &r.Active, &r.Lat, &r.Lng, &r.RadiusFeet, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var cntBuf bytes.Buffer
	cntBuf.WriteString("SELECT COUNT(*) FROM job_sites")
	if len(wheres) > 0 {
		cntBuf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, cntBuf.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) Update(ctx context.Context, siteID string, req UpdateSiteRequest) (int64, error) {
	var (
		sets []string
		args []any
	)
	if req.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *req.Name)
	}
	if req.Address != nil {
		sets = append(sets, "address = ?")
		args = append(args, *req.Address)
	}
	if req.Location != nil {
		sets = append(sets, "lat = ?", "lng = ?")
		args = append(args, req.Location.Lat, req.Location.Lng)
	}
	if req.RadiusFeet != nil {
		sets = append(sets, "radius_feet = ?")
		args = append(args, *req.RadiusFeet)
	}
	if req.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *req.Active)
	}
	if len(sets) == 0 {
		return 0, ErrInvalid("nothing to update")
	}
	sets = append(sets, "updated_at = UTC_TIMESTAMP(6)")

	q := "UPDATE job_sites SET " + strings.Join(sets, ", ") + " WHERE site_id = ?"
	args = append(args, siteID)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	// MySQLのUPDATEは同値更新でも RowsAffected=0 を返し、不在と区別できない。
	// 0件のときだけ存在チェックを挟む。
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		got, err := s.GetByID(ctx, siteID)
		if err != nil {
			return 0, err
		}
		if got == nil {
			return 0, nil
		}
		return 1, nil
	}
	return n, nil
}
