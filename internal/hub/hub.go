package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-tracking/internal/observability"
)

// RoomAllClients receives every broadcast meant for the shared map view.
const RoomAllClients = "all_clients"

func UserRoom(userID int64) string       { return fmt.Sprintf("user_%d", userID) }
func VehicleRoom(vehicleID int64) string { return fmt.Sprintf("vehicle_%d", vehicleID) }

// Envelope is the wire format for every event the hub delivers.
type Envelope struct {
	Event     string  `json:"event"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// Conn is the subset of *websocket.Conn the hub needs; tests substitute
// fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one connected client and its room memberships. Writes to the
// underlying connection are serialized per session.
type Session struct {
	UserID int64

	hub    *Hub
	conn   Conn
	wmu    sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (s *Session) send(env Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(env)
}

// JoinVehicle subscribes the session to a vehicle's room.
func (s *Session) JoinVehicle(vehicleID int64) { s.hub.join(s, VehicleRoom(vehicleID)) }

// LeaveVehicle unsubscribes the session from a vehicle's room.
func (s *Session) LeaveVehicle(vehicleID int64) { s.hub.leave(s, VehicleRoom(vehicleID)) }

// Hub manages logical rooms and fans events out to every session subscribed
// to a room. Delivery is fire-and-forget: no acknowledgement, no retry, and
// publishing to an empty room is a no-op. A session whose connection fails
// mid-write is dropped; the client sees current state again on reconnect.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Session]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*Session]struct{}), logger: logger}
}

// Register adds a connection, joining it to its personal room and the
// shared all-clients room.
func (h *Hub) Register(userID int64, conn Conn) *Session {
	s := &Session{UserID: userID, hub: h, conn: conn, rooms: make(map[string]struct{})}
	h.join(s, UserRoom(userID))
	h.join(s, RoomAllClients)
	observability.HubConnections.Inc()
	return s
}

// Unregister removes the session from every room and closes its connection.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true
	for room := range s.rooms {
		h.removeLocked(s, room)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
	observability.HubConnections.Dec()
}

// Publish delivers an event to every session in the room. It never blocks
// the caller on a missing room and never returns an error; a failed write
// evicts the broken session.
func (h *Hub) Publish(room, event string, payload any) {
	env := Envelope{Event: event, Data: payload, Timestamp: float64(time.Now().UnixMilli()) / 1000.0}

	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if err := s.send(env); err != nil {
			h.logger.Debug("hub write failed, dropping session", "room", room, "user_id", s.UserID, "error", err)
			h.Unregister(s)
			continue
		}
		observability.HubDeliveries.Inc()
	}
}

// Subscribers reports the current number of sessions in a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s, room)
}

func (h *Hub) removeLocked(s *Session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}
