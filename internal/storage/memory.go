package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

// MemoryStore is an in-memory store used when no PG_DSN is configured and
// throughout the test suite. It implements every repository interface the
// core components consume.
type MemoryStore struct {
	mu         sync.RWMutex
	vehicles   map[int64]models.VehiclePosition
	trips      map[int64]models.Trip
	prefs      map[int64]models.NotificationPreference
	events     []models.PassengerEvent
	notifs     []models.NotificationEvent
	recipients map[int64]models.Recipient

	nextTripID  int64
	nextEventID int64
	nextNotifID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles:   make(map[int64]models.VehiclePosition),
		trips:      make(map[int64]models.Trip),
		prefs:      make(map[int64]models.NotificationPreference),
		recipients: make(map[int64]models.Recipient),
	}
}

// UpsertVehiclePosition writes the source-of-truth vehicle row.
func (m *MemoryStore) UpsertVehiclePosition(ctx context.Context, pos models.VehiclePosition) error {
	m.mu.Lock()
	m.vehicles[pos.VehicleID] = pos
	m.mu.Unlock()
	return nil
}

// ActivePositions mirrors the batched rebuild query: vehicles with an
// active trip and usable coordinates, in one pass.
func (m *MemoryStore) ActivePositions(ctx context.Context) ([]models.VehiclePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	activeVehicles := make(map[int64]struct{})
	for _, t := range m.trips {
		if t.Status == models.TripActive {
			activeVehicles[t.VehicleID] = struct{}{}
		}
	}
	out := make([]models.VehiclePosition, 0, len(activeVehicles))
	for id := range activeVehicles {
		pos, ok := m.vehicles[id]
		if !ok || pos.LastUpdated.IsZero() {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// ActiveTrips lists every active trip, used by the position snapshot to
// batch passenger counts.
func (m *MemoryStore) ActiveTrips(ctx context.Context) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.Status == models.TripActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveTrip(ctx context.Context, vehicleID int64) (models.Trip, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.VehicleID == vehicleID && t.Status == models.TripActive {
			return t, true, nil
		}
	}
	return models.Trip{}, false, nil
}

// StartTrip creates an active trip for the vehicle. At most one active trip
// may exist per vehicle; an existing one is completed first.
func (m *MemoryStore) StartTrip(ctx context.Context, trip models.Trip) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, t := range m.trips {
		if t.VehicleID == trip.VehicleID && t.Status == models.TripActive {
			t.Status = models.TripCompleted
			t.EndTime = &now
			m.trips[id] = t
		}
	}
	m.nextTripID++
	trip.ID = m.nextTripID
	trip.Status = models.TripActive
	if trip.StartTime.IsZero() {
		trip.StartTime = now
	}
	m.trips[trip.ID] = trip
	return trip, nil
}

func (m *MemoryStore) EndTrip(ctx context.Context, tripID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.EndTime = &now
	m.trips[tripID] = t
	return nil
}

func (m *MemoryStore) Preference(ctx context.Context, recipientID int64) (models.NotificationPreference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[recipientID]
	return p, ok, nil
}

func (m *MemoryStore) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	m.mu.Lock()
	m.prefs[pref.RecipientID] = pref
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) TouchLastFired(ctx context.Context, recipientID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[recipientID]
	p.RecipientID = recipientID
	p.LastFiredAt = &at
	m.prefs[recipientID] = p
	return nil
}

func (m *MemoryStore) AppendPassengerEvent(ctx context.Context, evt *models.PassengerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	evt.ID = m.nextEventID
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, *evt)
	return nil
}

// TripPassengerStates aggregates the event log for all requested trips in
// one pass, the in-memory stand-in for the grouped SQL aggregate.
func (m *MemoryStore) TripPassengerStates(ctx context.Context, tripIDs []int64) (map[int64]models.TripPassengerState, error) {
	wanted := make(map[int64]struct{}, len(tripIDs))
	for _, id := range tripIDs {
		wanted[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]models.TripPassengerState, len(tripIDs))
	for _, evt := range m.events {
		if _, ok := wanted[evt.TripID]; !ok {
			continue
		}
		state := out[evt.TripID]
		state.TripID = evt.TripID
		switch evt.Type {
		case models.PassengerBoard:
			state.Boards += evt.Count
		case models.PassengerAlight:
			state.Alights += evt.Count
		}
		out[evt.TripID] = state
	}
	return out, nil
}

func (m *MemoryStore) SaveNotification(ctx context.Context, evt *models.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNotifID++
	evt.ID = m.nextNotifID
	if evt.Status == "" {
		evt.Status = "unread"
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	m.notifs = append(m.notifs, *evt)
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, recipientID int64, limit int) ([]models.NotificationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationEvent, 0, limit)
	for _, n := range m.notifs {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountUnreadNotifications(ctx context.Context, recipientID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifs {
		if n.RecipientID == recipientID && n.Status == "unread" {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkNotificationsRead(ctx context.Context, recipientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.notifs {
		if n.RecipientID == recipientID {
			m.notifs[i].Status = "read"
		}
	}
	return nil
}

func (m *MemoryStore) UpsertRecipient(ctx context.Context, rec models.Recipient) error {
	m.mu.Lock()
	m.recipients[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

// ActiveRecipients returns recipients of a role seen since the cutoff; the
// recency filter keeps matcher candidate sets small.
func (m *MemoryStore) ActiveRecipients(ctx context.Context, role string, seenAfter time.Time) ([]models.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Recipient
	for _, r := range m.recipients {
		if r.Role != role {
			continue
		}
		if !seenAfter.IsZero() && r.LastSeen.Before(seenAfter) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
