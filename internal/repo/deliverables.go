package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
	"siteline/internal/remote"
)

const deliverableCols = `id,lead_id,title,COALESCE(owner,''),status,COALESCE(due_date,''),created_at,updated_at`

func scanDeliverable(row interface{ Scan(...any) error }) (domain.Deliverable, error) {
	var d domain.Deliverable
	err := row.Scan(&d.ID, &d.LeadID, &d.Title, &d.Owner, &d.Status, &d.DueDate, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDeliverable(ctx context.Context, id int64) (domain.Deliverable, error) {
	return scanDeliverable(r.DB.QueryRowContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE id=?`, id))
}

func (r Repo) ListDeliverables(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.Deliverable], error) {
	var page remote.Page[domain.Deliverable]
	where := ""
	var args []any
	if opts.LeadID != 0 {
		where = " WHERE lead_id=?"
		args = append(args, opts.LeadID)
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables`+where, args...).Scan(&page.TotalCount); err != nil {
		return page, err
	}
	q := `SELECT ` + deliverableCols + ` FROM deliverables` + where + ` ORDER BY created_at DESC, id DESC`
	q, args = withPaging(q, args, opts)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, d)
	}
	page.HasMore = opts.Limit > 0 && opts.Offset+len(page.Items) < page.TotalCount
	return page, rows.Err()
}

func (r Repo) CreateDeliverable(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	now := r.now()
	if d.Status == "" {
		d.Status = "open"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO deliverables(lead_id,title,owner,status,due_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		d.LeadID, d.Title, nullable(d.Owner), d.Status, nullable(d.DueDate), now, now)
	if err != nil {
		return d, err
	}
	d.ID, err = res.LastInsertId()
	d.CreatedAt, d.UpdatedAt = now, now
	return d, err
}

func (r Repo) UpdateDeliverable(ctx context.Context, id int64, d domain.Deliverable) (domain.Deliverable, error) {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `UPDATE deliverables SET lead_id=?,title=?,owner=?,status=?,due_date=?,updated_at=? WHERE id=?`,
		d.LeadID, d.Title, nullable(d.Owner), d.Status, nullable(d.DueDate), now, id)
	if err != nil {
		return d, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return d, ErrNotFound
	}
	return r.GetDeliverable(ctx, id)
}

func (r Repo) DeleteDeliverable(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM deliverables WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
