// Package remote declares the entity accessor contract the portal core
// consumes. The SQLite repository implements it locally; the server exposes
// the same shape over HTTP.
package remote

import "context"

// ListOptions filter and page a collection read.
type ListOptions struct {
	Limit       int
	Offset      int
	ProjectCode string
	LeadID      int64
}

// Page is one slice of a collection plus paging metadata.
type Page[T any] struct {
	Items      []T  `json:"items"`
	TotalCount int  `json:"total_count"`
	HasMore    bool `json:"has_more"`
}

// Accessor is the per-entity remote data contract. Failures are signaled by
// error; the core does not interpret error payloads beyond the message.
type Accessor[Rec any] interface {
	List(ctx context.Context, opts ListOptions) (Page[Rec], error)
	GetByID(ctx context.Context, id int64) (Rec, error)
	Create(ctx context.Context, rec Rec) (Rec, error)
	Update(ctx context.Context, id int64, rec Rec) (Rec, error)
	Delete(ctx context.Context, id int64) error
}
