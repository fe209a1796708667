package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
	"siteline/internal/remote"
)

const estimatingCols = `id,lead_id,project_code,discipline,COALESCE(estimator,''),status,COALESCE(amount,0),COALESCE(due_date,''),created_at,updated_at`

func scanEstimating(row interface{ Scan(...any) error }) (domain.EstimatingRecord, error) {
	var e domain.EstimatingRecord
	err := row.Scan(&e.ID, &e.LeadID, &e.ProjectCode, &e.Discipline, &e.Estimator, &e.Status, &e.Amount, &e.DueDate, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetEstimatingRecord(ctx context.Context, id int64) (domain.EstimatingRecord, error) {
	return scanEstimating(r.DB.QueryRowContext(ctx, `SELECT `+estimatingCols+` FROM estimating_records WHERE id=?`, id))
}

func (r Repo) ListEstimatingRecords(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.EstimatingRecord], error) {
	var page remote.Page[domain.EstimatingRecord]
	where := ""
	var args []any
	switch {
	case opts.LeadID != 0:
		where = " WHERE lead_id=?"
		args = append(args, opts.LeadID)
	case opts.ProjectCode != "":
		where = " WHERE project_code=?"
		args = append(args, opts.ProjectCode)
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM estimating_records`+where, args...).Scan(&page.TotalCount); err != nil {
		return page, err
	}
	q := `SELECT ` + estimatingCols + ` FROM estimating_records` + where + ` ORDER BY created_at DESC, id DESC`
	q, args = withPaging(q, args, opts)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEstimating(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, e)
	}
	page.HasMore = opts.Limit > 0 && opts.Offset+len(page.Items) < page.TotalCount
	return page, rows.Err()
}

func (r Repo) CreateEstimatingRecord(ctx context.Context, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	now := r.now()
	if e.Status == "" {
		e.Status = "draft"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO estimating_records(lead_id,project_code,discipline,estimator,status,amount,due_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.LeadID, e.ProjectCode, e.Discipline, nullable(e.Estimator), e.Status, e.Amount, nullable(e.DueDate), now, now)
	if err != nil {
		return e, err
	}
	e.ID, err = res.LastInsertId()
	e.CreatedAt, e.UpdatedAt = now, now
	return e, err
}

func (r Repo) UpdateEstimatingRecord(ctx context.Context, id int64, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `UPDATE estimating_records SET lead_id=?,project_code=?,discipline=?,estimator=?,status=?,amount=?,due_date=?,updated_at=? WHERE id=?`,
		e.LeadID, e.ProjectCode, e.Discipline, nullable(e.Estimator), e.Status, e.Amount, nullable(e.DueDate), now, id)
	if err != nil {
		return e, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e, ErrNotFound
	}
	return r.GetEstimatingRecord(ctx, id)
}

func (r Repo) DeleteEstimatingRecord(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM estimating_records WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
