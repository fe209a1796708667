package repo

import (
	"context"

	"siteline/internal/domain"
	"siteline/internal/remote"
)

// Typed adapters exposing the repository through the remote.Accessor
// contract the mutation layer consumes.

type LeadAccessor struct{ Repo Repo }

func (a LeadAccessor) List(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.Lead], error) {
	return a.Repo.ListLeads(ctx, opts)
}
func (a LeadAccessor) GetByID(ctx context.Context, id int64) (domain.Lead, error) {
	return a.Repo.GetLead(ctx, id)
}
func (a LeadAccessor) Create(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	return a.Repo.CreateLead(ctx, l)
}
func (a LeadAccessor) Update(ctx context.Context, id int64, l domain.Lead) (domain.Lead, error) {
	return a.Repo.UpdateLead(ctx, id, l)
}
func (a LeadAccessor) Delete(ctx context.Context, id int64) error {
	return a.Repo.DeleteLead(ctx, id)
}

type EstimatingAccessor struct{ Repo Repo }

func (a EstimatingAccessor) List(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.EstimatingRecord], error) {
	return a.Repo.ListEstimatingRecords(ctx, opts)
}
func (a EstimatingAccessor) GetByID(ctx context.Context, id int64) (domain.EstimatingRecord, error) {
	return a.Repo.GetEstimatingRecord(ctx, id)
}
func (a EstimatingAccessor) Create(ctx context.Context, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	return a.Repo.CreateEstimatingRecord(ctx, e)
}
func (a EstimatingAccessor) Update(ctx context.Context, id int64, e domain.EstimatingRecord) (domain.EstimatingRecord, error) {
	return a.Repo.UpdateEstimatingRecord(ctx, id, e)
}
func (a EstimatingAccessor) Delete(ctx context.Context, id int64) error {
	return a.Repo.DeleteEstimatingRecord(ctx, id)
}

type DeliverableAccessor struct{ Repo Repo }

func (a DeliverableAccessor) List(ctx context.Context, opts remote.ListOptions) (remote.Page[domain.Deliverable], error) {
	return a.Repo.ListDeliverables(ctx, opts)
}
func (a DeliverableAccessor) GetByID(ctx context.Context, id int64) (domain.Deliverable, error) {
	return a.Repo.GetDeliverable(ctx, id)
}
func (a DeliverableAccessor) Create(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	return a.Repo.CreateDeliverable(ctx, d)
}
func (a DeliverableAccessor) Update(ctx context.Context, id int64, d domain.Deliverable) (domain.Deliverable, error) {
	return a.Repo.UpdateDeliverable(ctx, id, d)
}
func (a DeliverableAccessor) Delete(ctx context.Context, id int64) error {
	return a.Repo.DeleteDeliverable(ctx, id)
}

var (
	_ remote.Accessor[domain.Lead]             = LeadAccessor{}
	_ remote.Accessor[domain.EstimatingRecord] = EstimatingAccessor{}
	_ remote.Accessor[domain.Deliverable]      = DeliverableAccessor{}
)
