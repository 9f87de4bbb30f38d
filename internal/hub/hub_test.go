package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []Envelope
	err    error
	closed bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v.(Envelope))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Event
	}
	return out
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterJoinsPersonalAndSharedRooms(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	h.Register(7, c)

	h.Publish(UserRoom(7), "notification", map[string]any{"id": 1})
	h.Publish(RoomAllClients, "vehicle_update", map[string]any{"id": 2})
	h.Publish(UserRoom(99), "notification", map[string]any{"id": 3})

	got := c.events()
	if len(got) != 2 || got[0] != "notification" || got[1] != "vehicle_update" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestPublishToEmptyRoomIsNoOp(t *testing.T) {
	h := newTestHub()
	// Must not panic or block with zero subscribers.
	h.Publish(VehicleRoom(1), "passenger_event", nil)
}

func TestVehicleRoomSubscription(t *testing.T) {
	h := newTestHub()
	inRoom := &fakeConn{}
	outside := &fakeConn{}
	s := h.Register(1, inRoom)
	h.Register(2, outside)

	s.JoinVehicle(44)
	h.Publish(VehicleRoom(44), "passenger_event", map[string]any{"count": 2})

	if len(inRoom.events()) != 1 {
		t.Fatalf("subscriber missed event: %v", inRoom.events())
	}
	if len(outside.events()) != 0 {
		t.Fatalf("non-subscriber received vehicle event: %v", outside.events())
	}

	s.LeaveVehicle(44)
	h.Publish(VehicleRoom(44), "passenger_event", nil)
	if len(inRoom.events()) != 1 {
		t.Fatal("event delivered after leaving the room")
	}
}

func TestUnregisterRemovesAllMemberships(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}
	s := h.Register(5, c)
	s.JoinVehicle(10)

	h.Unregister(s)

	if !c.closed {
		t.Fatal("connection not closed on unregister")
	}
	if h.Subscribers(UserRoom(5)) != 0 || h.Subscribers(RoomAllClients) != 0 || h.Subscribers(VehicleRoom(10)) != 0 {
		t.Fatal("memberships survived unregister")
	}
	// Publishing afterwards must not deliver anything.
	h.Publish(UserRoom(5), "notification", nil)
	if len(c.events()) != 0 {
		t.Fatal("delivery to unregistered session")
	}
}

func TestBrokenConnectionIsEvicted(t *testing.T) {
	h := newTestHub()
	broken := &fakeConn{err: errors.New("write: broken pipe")}
	healthy := &fakeConn{}
	h.Register(1, broken)
	h.Register(2, healthy)

	h.Publish(RoomAllClients, "vehicle_update", nil)

	if !broken.closed {
		t.Fatal("broken session not evicted")
	}
	if len(healthy.events()) != 1 {
		t.Fatal("healthy session missed delivery")
	}
	if h.Subscribers(RoomAllClients) != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", h.Subscribers(RoomAllClients))
	}
}
