package passenger

import (
	"context"
	"fmt"

	"github.com/example/fleet-tracking/internal/models"
)

// EventStore is the persistence surface for the board/alight log.
// TripPassengerStates must aggregate in the store with a single grouped
// query; event volume per trip reaches the hundreds and iterating rows in
// memory or querying per trip does not scale.
type EventStore interface {
	TripPassengerStates(ctx context.Context, tripIDs []int64) (map[int64]models.TripPassengerState, error)
	AppendPassengerEvent(ctx context.Context, evt *models.PassengerEvent) error
}

// Aggregator computes current on-board passenger counts for trips.
type Aggregator struct {
	store EventStore
}

func NewAggregator(store EventStore) *Aggregator {
	return &Aggregator{store: store}
}

// CurrentCount returns max(0, boards-alights) for one trip in one round trip.
func (a *Aggregator) CurrentCount(ctx context.Context, tripID int64) (int, error) {
	counts, err := a.CurrentCounts(ctx, []int64{tripID})
	if err != nil {
		return 0, err
	}
	return counts[tripID], nil
}

// CurrentCounts returns counts for all requested trips in exactly one
// grouped aggregate query. Trips with no events map to zero. This is the
// required form for bulk rendering; calling CurrentCount in a loop is the
// N+1 pattern this package exists to prevent.
func (a *Aggregator) CurrentCounts(ctx context.Context, tripIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(tripIDs))
	if len(tripIDs) == 0 {
		return out, nil
	}
	unique := make([]int64, 0, len(tripIDs))
	seen := make(map[int64]struct{}, len(tripIDs))
	for _, id := range tripIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	states, err := a.store.TripPassengerStates(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("aggregate passenger events: %w", err)
	}
	for _, id := range unique {
		out[id] = states[id].OnBoard()
	}
	return out, nil
}

// Record validates and appends a board/alight event to a trip's log.
func (a *Aggregator) Record(ctx context.Context, tripID int64, eventType string, count int, notes string) (models.PassengerEvent, error) {
	if eventType != models.PassengerBoard && eventType != models.PassengerAlight {
		return models.PassengerEvent{}, fmt.Errorf("event type must be %q or %q, got %q", models.PassengerBoard, models.PassengerAlight, eventType)
	}
	if count < 1 {
		return models.PassengerEvent{}, fmt.Errorf("count must be >= 1, got %d", count)
	}
	evt := models.PassengerEvent{TripID: tripID, Type: eventType, Count: count, Notes: notes}
	if err := a.store.AppendPassengerEvent(ctx, &evt); err != nil {
		return models.PassengerEvent{}, fmt.Errorf("append passenger event: %w", err)
	}
	return evt, nil
}
