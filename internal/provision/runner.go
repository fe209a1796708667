package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"siteline/internal/audit"
	"siteline/internal/domain"
	"siteline/internal/notify"
	"siteline/internal/repo"
)

// ErrAlreadyRunning is returned by Start when a live operation exists for
// the project code.
var ErrAlreadyRunning = errors.New("provisioning already in progress")

// StepFunc executes one provisioning step. It may set fields on the
// operation, such as the site URL.
type StepFunc func(ctx context.Context, op *domain.ProvisionOperation) error

// Runner executes provisioning workflows and persists every state change so
// trackers can observe progress. The final step links the provisioned site
// back to the pursuit record; when only that step fails the operation ends
// PartialFailure instead of Failed, because the site itself is usable.
type Runner struct {
	Repo  repo.Repo
	Hub   *notify.Hub
	Audit *audit.Writer
	Log   *slog.Logger
	Now   func() time.Time

	// Steps overrides the default step implementations; index 0 is step 1.
	Steps [TotalSteps]StepFunc

	// StepDelay paces step execution. Zero runs steps back to back.
	StepDelay time.Duration

	// Sync runs the workflow inline instead of in a goroutine.
	Sync bool
}

// NewRunner wires the default step implementations against r.
func NewRunner(r repo.Repo, hub *notify.Hub, log *slog.Logger) *Runner {
	rn := &Runner{Repo: r, Hub: hub, Log: log}
	rn.Steps = defaultSteps(r)
	return rn
}

// Start creates a queued operation for projectCode and launches the workflow
// from step 1. It fails when a non-terminal operation already exists; a
// terminal one is replaced.
func (rn *Runner) Start(ctx context.Context, projectCode, actorID string) (domain.ProvisionOperation, error) {
	if projectCode == "" {
		return domain.ProvisionOperation{}, errors.New("project code is required")
	}
	existing, err := rn.Repo.GetOperation(ctx, projectCode)
	switch {
	case err == nil && !existing.Status.Terminal():
		return domain.ProvisionOperation{}, ErrAlreadyRunning
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return domain.ProvisionOperation{}, err
	}

	now := rn.now().UTC().Format(time.RFC3339)
	op := domain.ProvisionOperation{
		ProjectCode: projectCode,
		Status:      domain.OperationQueued,
		TotalSteps:  TotalSteps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := rn.save(ctx, &op); err != nil {
		return domain.ProvisionOperation{}, err
	}
	rn.launch(ctx, op, 1, actorID)
	return op, nil
}

// RetryFromStep resumes a failed operation at the given step, keeping the
// progress of the steps before it.
func (rn *Runner) RetryFromStep(ctx context.Context, projectCode string, step int, actorID string) (domain.ProvisionOperation, error) {
	if step < 1 || step > TotalSteps {
		return domain.ProvisionOperation{}, fmt.Errorf("step must be between 1 and %d", TotalSteps)
	}
	op, err := rn.Repo.GetOperation(ctx, projectCode)
	if err != nil {
		return domain.ProvisionOperation{}, err
	}
	if op.Status != domain.OperationFailed && op.Status != domain.OperationPartialFailure {
		return domain.ProvisionOperation{}, fmt.Errorf("operation is %s, only failed operations can be retried", op.Status)
	}
	op.Status = domain.OperationQueued
	op.FailedStep = nil
	op.Error = ""
	if op.CompletedSteps > step-1 {
		op.CompletedSteps = step - 1
	}
	op.CurrentStep = step
	if err := rn.save(ctx, &op); err != nil {
		return domain.ProvisionOperation{}, err
	}
	rn.launch(ctx, op, step, actorID)
	return op, nil
}

// Relink reruns only the pursuit-linking step of a partially failed
// operation.
func (rn *Runner) Relink(ctx context.Context, projectCode, actorID string) (domain.ProvisionOperation, error) {
	op, err := rn.Repo.GetOperation(ctx, projectCode)
	if err != nil {
		return domain.ProvisionOperation{}, err
	}
	if op.Status != domain.OperationPartialFailure {
		return domain.ProvisionOperation{}, fmt.Errorf("operation is %s, relink applies to partial failures only", op.Status)
	}
	return rn.RetryFromStep(ctx, projectCode, TotalSteps, actorID)
}

func (rn *Runner) launch(ctx context.Context, op domain.ProvisionOperation, from int, actorID string) {
	if rn.Sync {
		rn.run(ctx, op, from, actorID)
		return
	}
	// the workflow outlives the request that started it
	go rn.run(context.WithoutCancel(ctx), op, from, actorID)
}

func (rn *Runner) run(ctx context.Context, op domain.ProvisionOperation, from int, actorID string) {
	log := rn.log()
	op.Status = domain.OperationInProgress
	for i := from; i <= TotalSteps; i++ {
		op.CurrentStep = i
		if err := rn.save(ctx, &op); err != nil {
			log.Error("provision save failed", "project_code", op.ProjectCode, "step", i, "error", err)
			return
		}
		if rn.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rn.StepDelay):
			}
		}
		step := rn.Steps[i-1]
		if step == nil {
			continue
		}
		if err := step(ctx, &op); err != nil {
			failed := i
			op.FailedStep = &failed
			op.Error = err.Error()
			if i == TotalSteps {
				op.Status = domain.OperationPartialFailure
			} else {
				op.Status = domain.OperationFailed
			}
			if saveErr := rn.save(ctx, &op); saveErr != nil {
				log.Error("provision save failed", "project_code", op.ProjectCode, "error", saveErr)
			}
			log.Warn("provisioning failed", "project_code", op.ProjectCode, "step", i, "status", op.Status, "error", err)
			rn.audit(ctx, op, actorID)
			return
		}
		op.CompletedSteps = i
		if err := rn.save(ctx, &op); err != nil {
			log.Error("provision save failed", "project_code", op.ProjectCode, "step", i, "error", err)
			return
		}
	}
	op.Status = domain.OperationCompleted
	op.FailedStep = nil
	op.Error = ""
	if err := rn.save(ctx, &op); err != nil {
		log.Error("provision save failed", "project_code", op.ProjectCode, "error", err)
		return
	}
	log.Info("provisioning completed", "project_code", op.ProjectCode, "site_url", op.SiteURL)
	rn.audit(ctx, op, actorID)
}

// save persists the record and announces the change so trackers refetch.
func (rn *Runner) save(ctx context.Context, op *domain.ProvisionOperation) error {
	op.UpdatedAt = rn.now().UTC().Format(time.RFC3339)
	if err := rn.Repo.UpsertOperation(ctx, *op); err != nil {
		return err
	}
	if rn.Hub != nil {
		e := notify.NewEvent(notify.EntityProvisioning, 0, notify.ActionUpdated, "system", "")
		e.Scope = op.ProjectCode
		e.Summary = string(op.Status)
		rn.Hub.Broadcast(e)
	}
	return nil
}

func (rn *Runner) audit(ctx context.Context, op domain.ProvisionOperation, actorID string) {
	if rn.Audit == nil {
		return
	}
	details := string(op.Status)
	if op.Error != "" {
		details += ": " + op.Error
	}
	rn.Audit.Log(ctx, domain.AuditEntry{
		Action:  "provision",
		Entity:  notify.EntityProvisioning,
		Field:   op.ProjectCode,
		Details: details,
		ActorID: actorID,
	})
}

func (rn *Runner) now() time.Time {
	if rn.Now != nil {
		return rn.Now()
	}
	return time.Now()
}

func (rn *Runner) log() *slog.Logger {
	if rn.Log != nil {
		return rn.Log
	}
	return slog.Default()
}

// defaultSteps builds the standard workflow. Steps 2 through 6 stand in for
// the site backend calls; step 1 and 7 touch the pursuit record.
func defaultSteps(r repo.Repo) [TotalSteps]StepFunc {
	validate := func(ctx context.Context, op *domain.ProvisionOperation) error {
		_, err := r.GetLeadByProjectCode(ctx, op.ProjectCode)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("no pursuit with project code %q", op.ProjectCode)
		}
		return err
	}
	createSite := func(_ context.Context, op *domain.ProvisionOperation) error {
		op.SiteURL = "https://sites.siteline.example/" + op.ProjectCode
		return nil
	}
	link := func(ctx context.Context, op *domain.ProvisionOperation) error {
		lead, err := r.GetLeadByProjectCode(ctx, op.ProjectCode)
		if err != nil {
			return err
		}
		if lead.Notes != "" {
			lead.Notes += "\n"
		}
		lead.Notes += "Project site: " + op.SiteURL
		_, err = r.UpdateLead(ctx, lead.ID, lead)
		return err
	}
	return [TotalSteps]StepFunc{validate, createSite, nil, nil, nil, nil, link}
}
