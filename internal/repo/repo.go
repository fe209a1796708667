package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"siteline/internal/domain"
	"siteline/internal/remote"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

const leadCols = `id,project_code,title,COALESCE(client,''),stage,COALESCE(estimated_value,0),COALESCE(region,''),COALESCE(notes,''),created_at,updated_at`

func scanLead(row interface{ Scan(...any) error }) (domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(&l.ID, &l.ProjectCode, &l.Title, &l.Client, &l.Stage, &l.EstimatedValue, &l.Region, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLead(ctx context.Context, id int64) (domain.Lead, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadCols+` FROM leads WHERE id=?`, id))
}

func (r Repo) ListLeads(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.Lead], error) {
	var page remote.Page[domain.Lead]
	where, args := leadFilter(opts)
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`+where, args...).Scan(&page.TotalCount); err != nil {
		return page, err
	}
	q := `SELECT ` + leadCols + ` FROM leads` + where + ` ORDER BY created_at DESC, id DESC`
	q, args = withPaging(q, args, opts)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return page, err
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, l)
	}
	page.HasMore = opts.Limit > 0 && opts.Offset+len(page.Items) < page.TotalCount
	return page, rows.Err()
}

func leadFilter(opts remote.ListOptions) (string, []any) {
	if opts.ProjectCode == "" {
		return "", nil
	}
	return " WHERE project_code=?", []any{opts.ProjectCode}
}

func withPaging(q string, args []any, opts remote.ListOptions) (string, []any) {
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}
	return q, args
}

func (r Repo) CreateLead(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	now := r.now()
	if l.Stage == "" {
		l.Stage = domain.StageProspect
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO leads(project_code,title,client,stage,estimated_value,region,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ProjectCode, l.Title, nullable(l.Client), string(l.Stage), l.EstimatedValue, nullable(l.Region), nullable(l.Notes), now, now)
	if err != nil {
		return l, err
	}
	l.ID, err = res.LastInsertId()
	l.CreatedAt, l.UpdatedAt = now, now
	return l, err
}

func (r Repo) UpdateLead(ctx context.Context, id int64, l domain.Lead) (domain.Lead, error) {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `UPDATE leads SET project_code=?,title=?,client=?,stage=?,estimated_value=?,region=?,notes=?,updated_at=? WHERE id=?`,
		l.ProjectCode, l.Title, nullable(l.Client), string(l.Stage), l.EstimatedValue, nullable(l.Region), nullable(l.Notes), now, id)
	if err != nil {
		return l, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return l, ErrNotFound
	}
	return r.GetLead(ctx, id)
}

func (r Repo) DeleteLead(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLeadByProjectCode returns the pursuit owning a project code.
func (r Repo) GetLeadByProjectCode(ctx context.Context, code string) (domain.Lead, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadCols+` FROM leads WHERE project_code=? ORDER BY id LIMIT 1`, code))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
