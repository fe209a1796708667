// Package mutate wraps remote entity writes in the portal's optimistic
// mutation protocol: an optional speculative cache patch before the write,
// reconciliation or full rollback after it, a change broadcast on success,
// and an unconditional cache invalidation once the outcome is known. The
// invalidation, not the in-memory reconciliation, is what guarantees eventual
// consistency with the remote store.
package mutate

import (
	"context"
	"sync/atomic"
	"time"

	"siteline/internal/cache"
	"siteline/internal/flags"
	"siteline/internal/notify"
)

// Actor identifies who performs mutations through a controller; it is
// stamped onto broadcast change events.
type Actor struct {
	ID   string
	Name string
}

// Config describes one remote write operation bound to a cached collection.
// Write, CacheKey and either Patch or Merge are required for optimistic use;
// the callbacks are optional.
type Config[Rec any, Args any] struct {
	// Entity is the notification entity type (and conventional cache key
	// prefix), e.g. notify.EntityLeads.
	Entity string
	// Flag is the domain optimistic toggle; optimistic mode requires both
	// this and the global flags.OptimisticMutations to be enabled.
	Flag flags.Toggle
	// Action tags the broadcast event (created/updated/deleted).
	Action notify.Action

	// Write performs the remote call. It is the single suspension point of
	// an invocation and is never retried here.
	Write func(ctx context.Context, args Args) (Rec, error)
	// CacheKey maps write arguments to the collection the write affects.
	CacheKey func(args Args) cache.Key
	// Patch computes the speculative collection from the most recently
	// cached value. Only consulted in optimistic mode.
	Patch func(prev []Rec, args Args) []Rec
	// Merge reconciles the cached collection with the confirmed record.
	// When nil, MergeConfirmed is used with the ID accessor.
	Merge func(current []Rec, confirmed Rec) []Rec
	// ID extracts a record's identity; required when Merge is nil.
	ID func(rec Rec) int64
	// EventID overrides the broadcast entity id (e.g. for deletes, where the
	// confirmed record is zero). Defaults to ID of the confirmed record.
	EventID func(rec Rec, args Args) int64
	// Scope sets the event scope key (e.g. project code). Optional.
	Scope func(args Args) string
	// Summary sets the event's human-readable summary. Optional.
	Summary func(rec Rec, args Args) string

	// OnChange observes every locally visible collection change: the
	// speculative patch, the post-success merge and the rollback.
	OnChange func(items []Rec)
	// OnSuccess runs after a confirmed write, before the broadcast.
	OnSuccess func(rec Rec, args Args)
	// OnSettled runs exactly once per invocation, success or failure, after
	// the cache key has been invalidated.
	OnSettled func(key cache.Key)

	// Timeout bounds the remote write. Zero inherits whatever timeout the
	// remote accessor itself enforces.
	// TODO(product): confirm whether a non-zero default is wanted; the
	// original behavior relies entirely on the accessor.
	Timeout time.Duration
}

// Controller executes one write operation against a shared collection cache.
// Invocations interleave but do not run in parallel with respect to the
// cached value: each speculative patch is computed from the most recently
// observed collection, including a still-pending patch from an earlier call.
type Controller[Rec any, Args any] struct {
	cfg   Config[Rec, Args]
	store *cache.Store[[]Rec]
	flags flags.Provider
	hub   *notify.Hub
	actor Actor
}

func New[Rec any, Args any](cfg Config[Rec, Args], store *cache.Store[[]Rec], provider flags.Provider, hub *notify.Hub, actor Actor) *Controller[Rec, Args] {
	return &Controller[Rec, Args]{cfg: cfg, store: store, flags: provider, hub: hub, actor: actor}
}

// Do performs the write. In optimistic mode the caller's collection-changed
// callback observes the speculative value before the remote call settles; on
// failure the pre-mutation value is fully restored and the error re-surfaced.
// In pessimistic mode the cached collection is never touched directly: the
// confirmed state arrives through the invalidation-driven refetch. Either way
// the cache key ends up invalidated so the next read refetches.
func (c *Controller[Rec, Args]) Do(ctx context.Context, args Args) (Rec, error) {
	key := c.cfg.CacheKey(args)
	optimistic := flags.Optimistic(c.flags, c.cfg.Flag) && c.cfg.Patch != nil

	defer func() {
		c.store.Invalidate(key)
		if c.cfg.OnSettled != nil {
			c.cfg.OnSettled(key)
		}
	}()

	var prev []Rec
	var had bool
	if optimistic {
		prev, had = c.store.Get(key)
		next := c.cfg.Patch(prev, args)
		c.store.Set(key, next)
		c.changed(next)
	}

	wctx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	rec, err := c.cfg.Write(wctx, args)
	if err != nil {
		if optimistic {
			if had {
				c.store.Set(key, prev)
			} else {
				c.store.Drop(key)
			}
			c.changed(prev)
		}
		var zero Rec
		return zero, err
	}

	if optimistic {
		current, _ := c.store.Get(key)
		merged := c.merge(current, rec)
		c.store.Set(key, merged)
		c.changed(merged)
	}
	if c.cfg.OnSuccess != nil {
		c.cfg.OnSuccess(rec, args)
	}
	c.broadcast(rec, args)
	return rec, nil
}

func (c *Controller[Rec, Args]) changed(items []Rec) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(items)
	}
}

func (c *Controller[Rec, Args]) merge(current []Rec, confirmed Rec) []Rec {
	if c.cfg.Merge != nil {
		return c.cfg.Merge(current, confirmed)
	}
	return MergeConfirmed(current, confirmed, c.cfg.ID)
}

func (c *Controller[Rec, Args]) broadcast(rec Rec, args Args) {
	if c.hub == nil {
		return
	}
	id := int64(0)
	switch {
	case c.cfg.EventID != nil:
		id = c.cfg.EventID(rec, args)
	case c.cfg.ID != nil:
		id = c.cfg.ID(rec)
	}
	e := notify.NewEvent(c.cfg.Entity, id, c.cfg.Action, c.actor.ID, c.actor.Name)
	if c.cfg.Scope != nil {
		e.Scope = c.cfg.Scope(args)
	}
	if c.cfg.Summary != nil {
		e.Summary = c.cfg.Summary(rec, args)
	}
	c.hub.Broadcast(e)
}

// MergeConfirmed is the default reconciliation: speculative placeholders and
// any stale copy of the confirmed record are removed, and the confirmed
// record is prepended. No duplicate identities survive.
func MergeConfirmed[Rec any](current []Rec, confirmed Rec, id func(Rec) int64) []Rec {
	confirmedID := id(confirmed)
	out := make([]Rec, 0, len(current)+1)
	out = append(out, confirmed)
	for _, r := range current {
		rid := id(r)
		if IsSpeculative(rid) || rid == confirmedID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RemoveByID drops the record with the given identity; used as the Merge for
// delete operations.
func RemoveByID[Rec any](current []Rec, target int64, id func(Rec) int64) []Rec {
	out := make([]Rec, 0, len(current))
	for _, r := range current {
		if id(r) == target {
			continue
		}
		out = append(out, r)
	}
	return out
}

var lastSpeculative atomic.Int64

// SpeculativeID returns a synthetic negative identity for a speculative
// record, derived from the current unix milliseconds and strictly decreasing
// within the process so concurrent placeholders stay distinguishable. It can
// never collide with a server-assigned positive identity.
func SpeculativeID() int64 {
	for {
		id := -time.Now().UnixMilli()
		last := lastSpeculative.Load()
		if last != 0 && id >= last {
			id = last - 1
		}
		if lastSpeculative.CompareAndSwap(last, id) {
			return id
		}
	}
}

// IsSpeculative reports whether id is a locally synthesized placeholder
// identity.
func IsSpeculative(id int64) bool { return id < 0 }
