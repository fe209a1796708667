package app

import (
	"context"
	"errors"
	"testing"

	"siteline/internal/audit"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/flags"
	"siteline/internal/migrate"
	"siteline/internal/mutate"
	"siteline/internal/notify"
	"siteline/internal/repo"
)

func newTestPortal(t *testing.T, toggles flags.Static) *Portal {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return New(Options{
		Repo:  r,
		Flags: toggles,
		Hub:   notify.NewHub(),
		Audit: &audit.Writer{DB: conn},
		Actor: mutate.Actor{ID: "u1", Name: "Dana"},
	})
}

func allOptimistic() flags.Static {
	return flags.Static{
		flags.OptimisticMutations:    true,
		flags.OptimisticLeads:        true,
		flags.OptimisticEstimating:   true,
		flags.OptimisticDeliverables: true,
	}
}

func TestPortalLeadLifecycle(t *testing.T) {
	p := newTestPortal(t, allOptimistic())
	ctx := context.Background()

	lead, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1101", Title: "Harbor Terminal"})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	if lead.ID <= 0 {
		t.Fatalf("confirmed lead should have a server id, got %d", lead.ID)
	}
	if lead.Stage != domain.StageProspect {
		t.Errorf("new leads start as Prospect, got %s", lead.Stage)
	}

	leads, err := p.Leads(ctx)
	if err != nil {
		t.Fatalf("Leads: %v", err)
	}
	if len(leads) != 1 || leads[0].ID != lead.ID {
		t.Fatalf("unexpected collection: %+v", leads)
	}
	for _, l := range leads {
		if mutate.IsSpeculative(l.ID) {
			t.Errorf("speculative record survived reconciliation: %+v", l)
		}
	}

	lead.Client = "Port Authority"
	if _, err := p.UpdateLead(ctx, lead); err != nil {
		t.Fatalf("UpdateLead: %v", err)
	}
	if err := p.DeleteLead(ctx, lead.ID); err != nil {
		t.Fatalf("DeleteLead: %v", err)
	}
	leads, err = p.Leads(ctx)
	if err != nil {
		t.Fatalf("Leads after delete: %v", err)
	}
	if len(leads) != 0 {
		t.Fatalf("collection should be empty, got %+v", leads)
	}
}

func TestPortalStageGuard(t *testing.T) {
	p := newTestPortal(t, allOptimistic())
	ctx := context.Background()

	lead, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1102", Title: "Clinic Annex"})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}

	// skipping straight to Awarded is not a legal move
	if _, err := p.UpdateLeadStage(ctx, lead.ID, domain.StageAwarded, false); err == nil {
		t.Fatal("illegal transition accepted")
	}
	got, _ := p.Leads(ctx)
	if got[0].Stage != domain.StageProspect {
		t.Fatalf("rejected transition must not touch the record, stage %s", got[0].Stage)
	}

	if _, err := p.UpdateLeadStage(ctx, lead.ID, domain.StageActivePursuit, false); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
	if _, err := p.UpdateLeadStage(ctx, lead.ID, domain.StageArchivedLoss, false); err != nil {
		t.Fatalf("archive rejected: %v", err)
	}

	// recovery from the archive needs privilege
	if _, err := p.UpdateLeadStage(ctx, lead.ID, domain.StageActiveConstruction, false); err == nil {
		t.Fatal("unprivileged recovery accepted")
	}
	updated, err := p.UpdateLeadStage(ctx, lead.ID, domain.StageActiveConstruction, true)
	if err != nil {
		t.Fatalf("privileged recovery rejected: %v", err)
	}
	if updated.Stage != domain.StageActiveConstruction {
		t.Fatalf("stage %s after recovery", updated.Stage)
	}

	trail, err := p.AuditTrail(ctx, 10, notify.EntityLeads)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	var stageChanges int
	for _, e := range trail {
		if e.Action == "stage_change" {
			stageChanges++
		}
	}
	if stageChanges != 3 {
		t.Errorf("expected 3 stage_change entries, got %d", stageChanges)
	}
}

func TestPortalScopedCollections(t *testing.T) {
	p := newTestPortal(t, allOptimistic())
	ctx := context.Background()

	lead, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1103", Title: "Transit Hub"})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	other, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1104", Title: "Depot"})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}

	if _, err := p.CreateDeliverable(ctx, domain.Deliverable{LeadID: lead.ID, Title: "Schedule of values"}); err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}
	if _, err := p.CreateDeliverable(ctx, domain.Deliverable{LeadID: other.ID, Title: "Bid bond"}); err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}

	mine, err := p.Deliverables(ctx, lead.ID)
	if err != nil {
		t.Fatalf("Deliverables: %v", err)
	}
	if len(mine) != 1 || mine[0].Title != "Schedule of values" {
		t.Fatalf("scoped list leaked: %+v", mine)
	}
	all, err := p.Deliverables(ctx, 0)
	if err != nil {
		t.Fatalf("Deliverables all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 deliverables, got %d", len(all))
	}
}

func TestPortalPessimisticWhenGlobalOff(t *testing.T) {
	p := newTestPortal(t, flags.Static{
		flags.OptimisticLeads: true, // domain on, global off
	})
	ctx := context.Background()
	lead, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1105", Title: "Water Plant"})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	if mutate.IsSpeculative(lead.ID) {
		t.Fatal("pessimistic create returned a speculative id")
	}
}

func TestPortalDeleteMissingLead(t *testing.T) {
	p := newTestPortal(t, allOptimistic())
	if err := p.DeleteLead(context.Background(), 9999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPortalProvisioningRoundTrip(t *testing.T) {
	p := newTestPortal(t, allOptimistic())
	p.Runner().Sync = true
	ctx := context.Background()

	if _, err := p.CreateLead(ctx, domain.Lead{ProjectCode: "24-1106", Title: "Parking Deck"}); err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	if _, err := p.StartProvisioning(ctx, "24-1106"); err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}
	op, err := p.ProvisionStatus(ctx, "24-1106")
	if err != nil {
		t.Fatalf("ProvisionStatus: %v", err)
	}
	if op.Status != domain.OperationCompleted {
		t.Fatalf("status %s, error %q", op.Status, op.Error)
	}

	// tracking a finished operation returns immediately
	final, err := p.TrackProvisioning(ctx, "24-1106", nil)
	if err != nil {
		t.Fatalf("TrackProvisioning: %v", err)
	}
	if final.Status != domain.OperationCompleted {
		t.Fatalf("tracked status %s", final.Status)
	}
}
