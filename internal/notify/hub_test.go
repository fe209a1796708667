package notify

import (
	"testing"
)

func TestSubscribeFiltering(t *testing.T) {
	h := NewHub()
	var leads, scoped, all []Event
	h.Subscribe(EntityLeads, "", func(e Event) { leads = append(leads, e) })
	h.Subscribe(EntityProvisioning, "PRJ-100", func(e Event) { scoped = append(scoped, e) })
	h.Subscribe("", "", func(e Event) { all = append(all, e) })

	h.Broadcast(NewEvent(EntityLeads, 1, ActionCreated, "u1", "User One"))
	evt := NewEvent(EntityProvisioning, 0, ActionUpdated, "u1", "User One")
	evt.Scope = "PRJ-200"
	h.Broadcast(evt)

	if len(leads) != 1 || leads[0].Entity != EntityLeads {
		t.Fatalf("lead subscriber got %v", leads)
	}
	if len(scoped) != 0 {
		t.Fatalf("scoped subscriber must not see other scopes, got %v", scoped)
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber expected 2 events, got %d", len(all))
	}

	evt.Scope = "PRJ-100"
	h.Broadcast(evt)
	if len(scoped) != 1 {
		t.Fatalf("scoped subscriber expected matching scope delivery, got %d", len(scoped))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	var got int
	cancel := h.Subscribe(EntityLeads, "", func(Event) { got++ })
	h.Broadcast(NewEvent(EntityLeads, 1, ActionCreated, "u1", ""))
	cancel()
	cancel() // idempotent
	h.Broadcast(NewEvent(EntityLeads, 2, ActionCreated, "u1", ""))
	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestDisconnectedBroadcastDropsSilently(t *testing.T) {
	h := NewHub()
	h.attach(func(Event) { t.Fatal("must not forward while disconnected") })
	if h.Status() != Disconnected {
		t.Fatalf("expected disconnected after attach, got %v", h.Status())
	}
	var got int
	h.Subscribe(EntityLeads, "", func(Event) { got++ })
	h.Broadcast(NewEvent(EntityLeads, 1, ActionCreated, "u1", ""))
	if got != 0 {
		t.Fatalf("disconnected broadcast must not deliver, got %d", got)
	}
	// inbound delivery still works regardless of status
	h.Deliver(NewEvent(EntityLeads, 2, ActionUpdated, "u2", ""))
	if got != 1 {
		t.Fatalf("expected inbound delivery, got %d", got)
	}
}

func TestTransportForwarding(t *testing.T) {
	h := NewHub()
	var forwarded []Event
	h.attach(func(e Event) { forwarded = append(forwarded, e) })
	h.setStatus(Connected)
	h.Broadcast(NewEvent(EntityEstimating, 7, ActionDeleted, "u1", ""))
	if len(forwarded) != 1 || forwarded[0].EntityID != 7 {
		t.Fatalf("expected forwarded event, got %v", forwarded)
	}
	h.detach()
	if h.Status() != Disconnected {
		t.Fatalf("expected disconnected after detach")
	}
}

func TestLocalHubIsConnected(t *testing.T) {
	h := NewHub()
	if h.Status() != Connected {
		t.Fatalf("local hub should report connected")
	}
}

func TestNewEventShape(t *testing.T) {
	e := NewEvent(EntityLeads, 3, ActionUpdated, "u1", "User One")
	if e.Kind != KindEntityChanged {
		t.Fatalf("kind = %q", e.Kind)
	}
	if e.TS == "" {
		t.Fatalf("timestamp must be set")
	}
}
