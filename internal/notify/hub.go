// Package notify is the cross-client change notification channel: a
// process-wide publish/subscribe hub with an optional websocket transport.
// Delivery is at-most-once and best-effort; while the transport is
// disconnected, broadcasts are dropped silently and never queued. Correctness
// is carried by cache invalidation and polling, not by this channel.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entity type names used as subscription filters and cache keys.
const (
	EntityLeads        = "leads"
	EntityEstimating   = "estimating"
	EntityDeliverables = "deliverables"
	EntityProvisioning = "provisioning"
)

// Action describes what happened to an entity.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// KindEntityChanged is the only event kind the channel carries.
const KindEntityChanged = "EntityChanged"

// Event is a fire-and-forget change notification. It carries enough to
// decide whether to care, not the updated record itself; subscribers refetch.
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Entity    string `json:"entity"`
	EntityID  int64  `json:"entity_id,omitempty"`
	Action    Action `json:"action"`
	Scope     string `json:"scope,omitempty"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	TS        string `json:"ts"`
	Summary   string `json:"summary,omitempty"`
}

// NewEvent fills in the event id, kind and timestamp.
func NewEvent(entity string, id int64, action Action, actorID, actorName string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindEntityChanged,
		Entity:    entity,
		EntityID:  id,
		Action:    action,
		ActorID:   actorID,
		ActorName: actorName,
		TS:        time.Now().UTC().Format(time.RFC3339),
	}
}

// Status of the underlying transport.
type Status int32

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type subscription struct {
	entity string
	scope  string
	fn     func(Event)
}

// Hub fans events out to matching subscribers. A hub with no transport
// attached is purely local and reports Connected. Subscriber callbacks must
// return quickly; they are expected to do no more than signal a refetch.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription

	status atomic.Int32

	// forward, when set by a transport, relays locally broadcast events to
	// the other side. Forwarding errors are dropped.
	forward func(Event)
	local   bool
}

// NewHub returns a local hub (no transport, always Connected).
func NewHub() *Hub {
	h := &Hub{subs: make(map[int]subscription), local: true}
	h.status.Store(int32(Connected))
	return h
}

// Subscribe registers fn for events matching entity and scope. Empty entity
// or scope matches everything. The returned cancel is idempotent.
func (h *Hub) Subscribe(entity, scope string, fn func(Event)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{entity: entity, scope: scope, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Broadcast delivers e to local subscribers and forwards it over the
// transport. While disconnected, the event is dropped entirely: no local
// delivery, no queueing.
func (h *Hub) Broadcast(e Event) {
	if h.Status() != Connected {
		return
	}
	h.deliver(e)
	h.mu.Lock()
	fwd := h.forward
	h.mu.Unlock()
	if fwd != nil {
		fwd(e)
	}
}

// deliver fans out to matching local subscribers without forwarding. The
// transport uses this for inbound events to avoid echo loops.
func (h *Hub) deliver(e Event) {
	h.mu.Lock()
	matched := make([]func(Event), 0, len(h.subs))
	for _, s := range h.subs {
		if s.entity != "" && s.entity != e.Entity {
			continue
		}
		if s.scope != "" && e.Scope != "" && s.scope != e.Scope {
			continue
		}
		matched = append(matched, s.fn)
	}
	h.mu.Unlock()
	for _, fn := range matched {
		fn(e)
	}
}

// Deliver injects an externally received event into local subscribers.
func (h *Hub) Deliver(e Event) { h.deliver(e) }

// Status returns the transport connection status.
func (h *Hub) Status() Status {
	return Status(h.status.Load())
}

// attach binds a transport: the hub starts reporting the transport's status
// and forwarding broadcasts through fwd.
func (h *Hub) attach(fwd func(Event)) {
	h.mu.Lock()
	h.forward = fwd
	h.local = false
	h.mu.Unlock()
	h.status.Store(int32(Disconnected))
}

// detach reverts to a local hub.
func (h *Hub) detach() {
	h.mu.Lock()
	h.forward = nil
	local := h.local
	h.mu.Unlock()
	if !local {
		h.status.Store(int32(Disconnected))
	}
}

func (h *Hub) setStatus(s Status) { h.status.Store(int32(s)) }
