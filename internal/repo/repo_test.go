package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/migrate"
	"siteline/internal/remote"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// a ticking clock keeps created_at ordering deterministic
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return Repo{DB: conn, Now: func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}}
}

func TestLeadCRUD(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	created, err := r.CreateLead(ctx, domain.Lead{ProjectCode: "24-1001", Title: "Riverside Depot"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("id %d after insert", created.ID)
	}
	if created.Stage != domain.StageProspect {
		t.Errorf("default stage %s", created.Stage)
	}

	got, err := r.GetLead(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Riverside Depot" || got.ProjectCode != "24-1001" {
		t.Errorf("got %+v", got)
	}

	got.Title = "Riverside Depot Phase II"
	got.Stage = domain.StageActivePursuit
	updated, err := r.UpdateLead(ctx, got.ID, got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Riverside Depot Phase II" || updated.Stage != domain.StageActivePursuit {
		t.Errorf("updated %+v", updated)
	}
	if updated.UpdatedAt == updated.CreatedAt {
		t.Errorf("updated_at not advanced: %s", updated.UpdatedAt)
	}

	byCode, err := r.GetLeadByProjectCode(ctx, "24-1001")
	if err != nil || byCode.ID != created.ID {
		t.Fatalf("by code: %v %+v", err, byCode)
	}

	if err := r.DeleteLead(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetLead(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if _, err := r.UpdateLead(ctx, created.ID, got); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
	if err := r.DeleteLead(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete missing: %v", err)
	}
}

func TestLeadListPaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	codes := []string{"24-1001", "24-1002", "24-1003", "24-1004", "24-1005"}
	for _, c := range codes {
		if _, err := r.CreateLead(ctx, domain.Lead{ProjectCode: c, Title: "Lead " + c}); err != nil {
			t.Fatalf("seed %s: %v", c, err)
		}
	}

	page, err := r.ListLeads(ctx, remote.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalCount != 5 || len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("first page: total=%d items=%d more=%v", page.TotalCount, len(page.Items), page.HasMore)
	}
	// newest first
	if page.Items[0].ProjectCode != "24-1005" {
		t.Errorf("first item %s", page.Items[0].ProjectCode)
	}

	last, err := r.ListLeads(ctx, remote.ListOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last.Items) != 1 || last.HasMore {
		t.Fatalf("last page: items=%d more=%v", len(last.Items), last.HasMore)
	}

	filtered, err := r.ListLeads(ctx, remote.ListOptions{ProjectCode: "24-1003"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if filtered.TotalCount != 1 || len(filtered.Items) != 1 || filtered.Items[0].ProjectCode != "24-1003" {
		t.Fatalf("filtered %+v", filtered)
	}
}

func TestEstimatingScopedToLead(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, _ := r.CreateLead(ctx, domain.Lead{ProjectCode: "24-1001", Title: "A"})
	b, _ := r.CreateLead(ctx, domain.Lead{ProjectCode: "24-1002", Title: "B"})

	rec, err := r.CreateEstimatingRecord(ctx, domain.EstimatingRecord{LeadID: a.ID, ProjectCode: a.ProjectCode, Discipline: "civil", Amount: 250000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != "draft" {
		t.Errorf("default status %q", rec.Status)
	}
	if _, err := r.CreateEstimatingRecord(ctx, domain.EstimatingRecord{LeadID: b.ID, ProjectCode: b.ProjectCode, Discipline: "mechanical"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	scoped, err := r.ListEstimatingRecords(ctx, remote.ListOptions{LeadID: a.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if scoped.TotalCount != 1 || scoped.Items[0].Discipline != "civil" {
		t.Fatalf("scoped %+v", scoped)
	}

	rec.Status = "final"
	updated, err := r.UpdateEstimatingRecord(ctx, rec.ID, rec)
	if err != nil || updated.Status != "final" {
		t.Fatalf("update: %v %+v", err, updated)
	}

	if err := r.DeleteEstimatingRecord(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetEstimatingRecord(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
}

func TestDeliverableDefaults(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	lead, _ := r.CreateLead(ctx, domain.Lead{ProjectCode: "24-1001", Title: "A"})

	d, err := r.CreateDeliverable(ctx, domain.Deliverable{LeadID: lead.ID, Title: "Bid package"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != "open" {
		t.Errorf("default status %q", d.Status)
	}

	d.Status = "done"
	updated, err := r.UpdateDeliverable(ctx, d.ID, d)
	if err != nil || updated.Status != "done" {
		t.Fatalf("update: %v %+v", err, updated)
	}
	if _, err := r.UpdateDeliverable(ctx, 9999, d); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestOperationUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetOperation(ctx, "24-1001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing operation: %v", err)
	}

	op := domain.ProvisionOperation{
		ProjectCode: "24-1001",
		Status:      domain.OperationInProgress,
		TotalSteps:  7,
		CurrentStep: 3,
		CreatedAt:   "2026-03-01T09:00:01Z",
		UpdatedAt:   "2026-03-01T09:00:01Z",
	}
	if err := r.UpsertOperation(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetOperation(ctx, "24-1001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.OperationInProgress || got.CurrentStep != 3 || got.FailedStep != nil {
		t.Fatalf("got %+v", got)
	}

	failed := 4
	op.Status = domain.OperationFailed
	op.CompletedSteps = 3
	op.FailedStep = &failed
	op.Error = "permission denied"
	op.UpdatedAt = "2026-03-01T09:00:05Z"
	if err := r.UpsertOperation(ctx, op); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = r.GetOperation(ctx, "24-1001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailedStep == nil || *got.FailedStep != 4 || got.Error != "permission denied" {
		t.Fatalf("after failure %+v", got)
	}
	if got.CreatedAt != "2026-03-01T09:00:01Z" {
		t.Errorf("created_at overwritten: %s", got.CreatedAt)
	}
}
