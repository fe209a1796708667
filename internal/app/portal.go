// Package app assembles the portal: cached entity collections, mutation
// controllers, the change notification hub, the provisioning runner and the
// audit trail behind one façade consumed by the CLI and the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"siteline/internal/audit"
	"siteline/internal/cache"
	"siteline/internal/domain"
	"siteline/internal/flags"
	"siteline/internal/mutate"
	"siteline/internal/notify"
	"siteline/internal/provision"
	"siteline/internal/remote"
	"siteline/internal/repo"
	"siteline/internal/stage"
)

// Options wires a Portal. Repo, Flags and Hub are required; the rest have
// working defaults.
type Options struct {
	Repo  repo.Repo
	Flags flags.Provider
	Hub   *notify.Hub
	Audit *audit.Writer
	Actor mutate.Actor
	Log   *slog.Logger

	FastPoll time.Duration
	SlowPoll time.Duration
}

// Portal is the application façade: reads serve from the collection caches,
// writes run through the optimistic mutation controllers, and provisioning
// goes through the runner and tracker.
type Portal struct {
	repo  repo.Repo
	hub   *notify.Hub
	audit *audit.Writer
	actor mutate.Actor
	log   *slog.Logger

	fastPoll time.Duration
	slowPoll time.Duration

	leads        *collection[domain.Lead]
	estimating   *collection[domain.EstimatingRecord]
	deliverables *collection[domain.Deliverable]

	runner *provision.Runner
}

func New(opts Options) *Portal {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Portal{
		repo:     opts.Repo,
		hub:      opts.Hub,
		audit:    opts.Audit,
		actor:    opts.Actor,
		log:      log,
		fastPoll: opts.FastPoll,
		slowPoll: opts.SlowPoll,
	}

	p.leads = newCollection(collectionConfig[domain.Lead]{
		entity: notify.EntityLeads,
		flag:   flags.OptimisticLeads,
		access: repo.LeadAccessor{Repo: opts.Repo},
		id:     func(l domain.Lead) int64 { return l.ID },
		stamp: func(l domain.Lead, id int64) domain.Lead {
			l.ID = id
			l.CreatedAt, l.UpdatedAt = pendingTS(), pendingTS()
			return l
		},
		key:       func(domain.Lead) cache.Key { return cache.Key(notify.EntityLeads) },
		scope:     func(l domain.Lead) string { return l.ProjectCode },
		summary:   func(l domain.Lead) string { return l.Title },
		confirmed: auditConfirmed(opts.Audit, opts.Actor.ID, notify.EntityLeads, func(l domain.Lead) int64 { return l.ID }),
	}, opts.Flags, opts.Hub, opts.Actor)

	p.estimating = newCollection(collectionConfig[domain.EstimatingRecord]{
		entity: notify.EntityEstimating,
		flag:   flags.OptimisticEstimating,
		access: repo.EstimatingAccessor{Repo: opts.Repo},
		id:     func(e domain.EstimatingRecord) int64 { return e.ID },
		stamp: func(e domain.EstimatingRecord, id int64) domain.EstimatingRecord {
			e.ID = id
			e.CreatedAt, e.UpdatedAt = pendingTS(), pendingTS()
			return e
		},
		key: func(e domain.EstimatingRecord) cache.Key {
			return scopedKey(notify.EntityEstimating, e.LeadID)
		},
		scope:     func(e domain.EstimatingRecord) string { return strconv.FormatInt(e.LeadID, 10) },
		summary:   func(e domain.EstimatingRecord) string { return e.Discipline },
		confirmed: auditConfirmed(opts.Audit, opts.Actor.ID, notify.EntityEstimating, func(e domain.EstimatingRecord) int64 { return e.ID }),
	}, opts.Flags, opts.Hub, opts.Actor)

	p.deliverables = newCollection(collectionConfig[domain.Deliverable]{
		entity: notify.EntityDeliverables,
		flag:   flags.OptimisticDeliverables,
		access: repo.DeliverableAccessor{Repo: opts.Repo},
		id:     func(d domain.Deliverable) int64 { return d.ID },
		stamp: func(d domain.Deliverable, id int64) domain.Deliverable {
			d.ID = id
			d.CreatedAt, d.UpdatedAt = pendingTS(), pendingTS()
			return d
		},
		key: func(d domain.Deliverable) cache.Key {
			return scopedKey(notify.EntityDeliverables, d.LeadID)
		},
		scope:     func(d domain.Deliverable) string { return strconv.FormatInt(d.LeadID, 10) },
		summary:   func(d domain.Deliverable) string { return d.Title },
		confirmed: auditConfirmed(opts.Audit, opts.Actor.ID, notify.EntityDeliverables, func(d domain.Deliverable) int64 { return d.ID }),
	}, opts.Flags, opts.Hub, opts.Actor)

	p.runner = provision.NewRunner(opts.Repo, opts.Hub, log)
	p.runner.Audit = opts.Audit

	// remote changes mark the affected collections stale so the next read
	// refetches; local broadcasts pass through here too, which is harmless
	// on top of the controller's own invalidation
	opts.Hub.Subscribe(notify.EntityLeads, "", func(notify.Event) {
		p.leads.invalidate(cache.Key(notify.EntityLeads))
	})
	opts.Hub.Subscribe(notify.EntityEstimating, "", func(e notify.Event) {
		p.estimating.invalidate(scopeKeys(notify.EntityEstimating, e.Scope)...)
	})
	opts.Hub.Subscribe(notify.EntityDeliverables, "", func(e notify.Event) {
		p.deliverables.invalidate(scopeKeys(notify.EntityDeliverables, e.Scope)...)
	})
	return p
}

// Hub exposes the notification hub, e.g. for the websocket relay.
func (p *Portal) Hub() *notify.Hub { return p.hub }

// Runner exposes the provisioning runner.
func (p *Portal) Runner() *provision.Runner { return p.runner }

func pendingTS() string { return time.Now().UTC().Format(time.RFC3339) }

func scopedKey(entity string, leadID int64) cache.Key {
	if leadID == 0 {
		return cache.Key(entity)
	}
	return cache.Key(entity + "/" + strconv.FormatInt(leadID, 10))
}

func scopeKeys(entity, scope string) []cache.Key {
	keys := []cache.Key{cache.Key(entity)}
	if scope != "" {
		keys = append(keys, cache.Key(entity+"/"+scope))
	}
	return keys
}

// auditConfirmed records every confirmed write. Speculative patches and
// rolled-back attempts never reach the trail.
func auditConfirmed[Rec any](w *audit.Writer, actorID, entity string, id func(Rec) int64) func(notify.Action, Rec) {
	if w == nil {
		return nil
	}
	return func(action notify.Action, rec Rec) {
		w.Log(context.Background(), domain.AuditEntry{
			Action:   string(action),
			Entity:   entity,
			EntityID: id(rec),
			ActorID:  actorID,
		})
	}
}

// Leads returns the pursuit collection, served from cache when fresh.
func (p *Portal) Leads(ctx context.Context) ([]domain.Lead, error) {
	return p.leads.list(ctx, cache.Key(notify.EntityLeads), func(ctx context.Context) (remote.Page[domain.Lead], error) {
		return p.repo.ListLeads(ctx, remote.ListOptions{})
	})
}

func (p *Portal) CreateLead(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	return p.leads.create.Do(ctx, l)
}

func (p *Portal) UpdateLead(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	if l.ID <= 0 {
		return domain.Lead{}, fmt.Errorf("lead id is required")
	}
	return p.leads.update.Do(ctx, l)
}

func (p *Portal) DeleteLead(ctx context.Context, id int64) error {
	lead, err := p.repo.GetLead(ctx, id)
	if err != nil {
		return err
	}
	_, err = p.leads.remove.Do(ctx, lead)
	return err
}

// UpdateLeadStage moves a pursuit through its lifecycle. The transition is
// checked against the stage table before any write or speculative patch
// happens; privileged actors may additionally take the recovery edges.
func (p *Portal) UpdateLeadStage(ctx context.Context, id int64, to domain.Stage, privileged bool) (domain.Lead, error) {
	lead, err := p.repo.GetLead(ctx, id)
	if err != nil {
		return domain.Lead{}, err
	}
	from := lead.Stage
	if err := stage.Validate(from, to, privileged); err != nil {
		return domain.Lead{}, err
	}
	lead.Stage = to
	updated, err := p.leads.update.Do(ctx, lead)
	if err != nil {
		return domain.Lead{}, err
	}
	if p.audit != nil {
		p.audit.Log(ctx, domain.AuditEntry{
			Action:   "stage_change",
			Entity:   notify.EntityLeads,
			EntityID: id,
			Field:    "stage",
			Before:   string(from),
			After:    string(to),
			ActorID:  p.actor.ID,
		})
	}
	return updated, nil
}

// EstimatingRecords lists records, scoped to a lead when leadID is non-zero.
func (p *Portal) EstimatingRecords(ctx context.Context, leadID int64) ([]domain.EstimatingRecord, error) {
	return p.estimating.list(ctx, scopedKey(notify.EntityEstimating, leadID), func(ctx context.Context) (remote.Page[domain.EstimatingRecord], error) {
		return p.repo.ListEstimatingRecords(ctx, remote.ListOptions{LeadID: leadID})
	})
}

func (p *Portal) CreateEstimatingRecord(ctx context.Context, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	return p.estimating.create.Do(ctx, e)
}

func (p *Portal) UpdateEstimatingRecord(ctx context.Context, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	if e.ID <= 0 {
		return domain.EstimatingRecord{}, fmt.Errorf("estimating record id is required")
	}
	return p.estimating.update.Do(ctx, e)
}

func (p *Portal) DeleteEstimatingRecord(ctx context.Context, id int64) error {
	rec, err := p.repo.GetEstimatingRecord(ctx, id)
	if err != nil {
		return err
	}
	_, err = p.estimating.remove.Do(ctx, rec)
	return err
}

// Deliverables lists deliverables, scoped to a lead when leadID is non-zero.
func (p *Portal) Deliverables(ctx context.Context, leadID int64) ([]domain.Deliverable, error) {
	return p.deliverables.list(ctx, scopedKey(notify.EntityDeliverables, leadID), func(ctx context.Context) (remote.Page[domain.Deliverable], error) {
		return p.repo.ListDeliverables(ctx, remote.ListOptions{LeadID: leadID})
	})
}

func (p *Portal) CreateDeliverable(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	return p.deliverables.create.Do(ctx, d)
}

func (p *Portal) UpdateDeliverable(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	if d.ID <= 0 {
		return domain.Deliverable{}, fmt.Errorf("deliverable id is required")
	}
	return p.deliverables.update.Do(ctx, d)
}

func (p *Portal) DeleteDeliverable(ctx context.Context, id int64) error {
	rec, err := p.repo.GetDeliverable(ctx, id)
	if err != nil {
		return err
	}
	_, err = p.deliverables.remove.Do(ctx, rec)
	return err
}

// StartProvisioning queues a site-provisioning workflow for the project.
func (p *Portal) StartProvisioning(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	return p.runner.Start(ctx, projectCode, p.actor.ID)
}

// RetryProvisioning resumes a failed workflow at the given step.
func (p *Portal) RetryProvisioning(ctx context.Context, projectCode string, step int) (domain.ProvisionOperation, error) {
	return p.runner.RetryFromStep(ctx, projectCode, step, p.actor.ID)
}

// RelinkProvisioning reruns the pursuit-linking step after a partial failure.
func (p *Portal) RelinkProvisioning(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	return p.runner.Relink(ctx, projectCode, p.actor.ID)
}

// ProvisionStatus returns the current operation record.
func (p *Portal) ProvisionStatus(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	return p.fetchOperation(ctx, projectCode)
}

// TrackProvisioning observes the workflow until it is terminal or ctx ends,
// reporting every snapshot through onUpdate.
func (p *Portal) TrackProvisioning(ctx context.Context, projectCode string, onUpdate func(provision.Snapshot)) (domain.ProvisionOperation, error) {
	tr := &provision.Tracker{
		Fetch:    p.fetchOperation,
		Hub:      p.hub,
		FastPoll: p.fastPoll,
		SlowPoll: p.slowPoll,
		OnUpdate: onUpdate,
		Log:      p.log,
	}
	return tr.Run(ctx, projectCode)
}

func (p *Portal) fetchOperation(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	op, err := p.repo.GetOperation(ctx, projectCode)
	if errors.Is(err, repo.ErrNotFound) {
		return op, provision.ErrNotFound
	}
	return op, err
}

// AuditTrail returns the newest n audit entries, optionally filtered.
func (p *Portal) AuditTrail(ctx context.Context, n int, entity string) ([]domain.AuditEntry, error) {
	if p.audit == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 50
	}
	return p.audit.Latest(ctx, n, entity)
}
