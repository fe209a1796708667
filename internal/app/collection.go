package app

import (
	"context"

	"siteline/internal/cache"
	"siteline/internal/flags"
	"siteline/internal/mutate"
	"siteline/internal/notify"
	"siteline/internal/remote"
)

// collection binds one entity type to its cache and its three mutation
// controllers. All writes go through the controllers so speculative
// patching, rollback and invalidation behave identically per entity.
type collection[Rec any] struct {
	entity string
	store  *cache.Store[[]Rec]
	id     func(Rec) int64

	create *mutate.Controller[Rec, Rec]
	update *mutate.Controller[Rec, Rec]
	remove *mutate.Controller[Rec, Rec]
}

type collectionConfig[Rec any] struct {
	entity string
	flag   flags.Toggle
	access remote.Accessor[Rec]

	id func(Rec) int64
	// stamp returns a copy of the record carrying a speculative identity and
	// placeholder timestamps.
	stamp func(Rec, int64) Rec
	// key maps a record to the cached collection it belongs to.
	key func(Rec) cache.Key
	// scope tags broadcast events so other clients invalidate narrowly.
	scope   func(Rec) string
	summary func(Rec) string

	// confirmed observes every successful write, for the audit trail.
	confirmed func(action notify.Action, rec Rec)
}

func newCollection[Rec any](cfg collectionConfig[Rec], provider flags.Provider, hub *notify.Hub, actor mutate.Actor) *collection[Rec] {
	store := cache.NewStore[[]Rec]()
	base := mutate.Config[Rec, Rec]{
		Entity:   cfg.entity,
		Flag:     cfg.flag,
		CacheKey: func(rec Rec) cache.Key { return cfg.key(rec) },
		ID:       cfg.id,
	}
	if cfg.scope != nil {
		base.Scope = func(rec Rec) string { return cfg.scope(rec) }
	}
	if cfg.summary != nil {
		base.Summary = func(rec Rec, _ Rec) string { return cfg.summary(rec) }
	}
	onSuccess := func(action notify.Action) func(Rec, Rec) {
		if cfg.confirmed == nil {
			return nil
		}
		return func(rec Rec, _ Rec) { cfg.confirmed(action, rec) }
	}

	create := base
	create.Action = notify.ActionCreated
	create.OnSuccess = onSuccess(notify.ActionCreated)
	create.Write = func(ctx context.Context, rec Rec) (Rec, error) {
		return cfg.access.Create(ctx, rec)
	}
	create.Patch = func(prev []Rec, rec Rec) []Rec {
		placeholder := cfg.stamp(rec, mutate.SpeculativeID())
		out := make([]Rec, 0, len(prev)+1)
		out = append(out, placeholder)
		return append(out, prev...)
	}

	update := base
	update.Action = notify.ActionUpdated
	update.OnSuccess = onSuccess(notify.ActionUpdated)
	update.Write = func(ctx context.Context, rec Rec) (Rec, error) {
		return cfg.access.Update(ctx, cfg.id(rec), rec)
	}
	update.Patch = func(prev []Rec, rec Rec) []Rec {
		out := make([]Rec, len(prev))
		for i, r := range prev {
			if cfg.id(r) == cfg.id(rec) {
				out[i] = rec
			} else {
				out[i] = r
			}
		}
		return out
	}

	remove := base
	remove.Action = notify.ActionDeleted
	remove.OnSuccess = onSuccess(notify.ActionDeleted)
	remove.Write = func(ctx context.Context, rec Rec) (Rec, error) {
		return rec, cfg.access.Delete(ctx, cfg.id(rec))
	}
	remove.Patch = func(prev []Rec, rec Rec) []Rec {
		return mutate.RemoveByID(prev, cfg.id(rec), cfg.id)
	}
	remove.Merge = func(current []Rec, confirmed Rec) []Rec {
		return mutate.RemoveByID(current, cfg.id(confirmed), cfg.id)
	}

	return &collection[Rec]{
		entity: cfg.entity,
		store:  store,
		id:     cfg.id,
		create: mutate.New(create, store, provider, hub, actor),
		update: mutate.New(update, store, provider, hub, actor),
		remove: mutate.New(remove, store, provider, hub, actor),
	}
}

// list serves the cached collection when fresh, otherwise refetches through
// fetch and replaces it wholesale.
func (c *collection[Rec]) list(ctx context.Context, key cache.Key, fetch func(context.Context) (remote.Page[Rec], error)) ([]Rec, error) {
	if !c.store.Stale(key) {
		items, _ := c.store.Get(key)
		return items, nil
	}
	page, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.store.Set(key, page.Items)
	return page.Items, nil
}

// invalidate marks the given collections stale.
func (c *collection[Rec]) invalidate(keys ...cache.Key) {
	for _, k := range keys {
		c.store.Invalidate(k)
	}
}
