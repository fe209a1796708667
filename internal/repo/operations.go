package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const operationCols = `project_code,status,total_steps,completed_steps,current_step,failed_step,COALESCE(error,''),COALESCE(site_url,''),created_at,updated_at`

func scanOperation(row interface{ Scan(...any) error }) (domain.ProvisionOperation, error) {
	var op domain.ProvisionOperation
	var failed sql.NullInt64
	err := row.Scan(&op.ProjectCode, &op.Status, &op.TotalSteps, &op.CompletedSteps, &op.CurrentStep, &failed, &op.Error, &op.SiteURL, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if failed.Valid {
		v := int(failed.Int64)
		op.FailedStep = &v
	}
	return op, err
}

func (r Repo) GetOperation(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+operationCols+` FROM provision_operations WHERE project_code=?`, projectCode))
}

// UpsertOperation writes the full operation record; provisioning restarts
// replace the previous record for the project code.
func (r Repo) UpsertOperation(ctx context.Context, op domain.ProvisionOperation) error {
	var failed any
	if op.FailedStep != nil {
		failed = *op.FailedStep
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO provision_operations(project_code,status,total_steps,completed_steps,current_step,failed_step,error,site_url,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(project_code) DO UPDATE SET status=excluded.status,total_steps=excluded.total_steps,completed_steps=excluded.completed_steps,current_step=excluded.current_step,failed_step=excluded.failed_step,error=excluded.error,site_url=excluded.site_url,updated_at=excluded.updated_at`,
		op.ProjectCode, string(op.Status), op.TotalSteps, op.CompletedSteps, op.CurrentStep, failed, nullable(op.Error), nullable(op.SiteURL), op.CreatedAt, op.UpdatedAt)
	return err
}
