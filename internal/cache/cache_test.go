package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

type fakeSource struct {
	positions []models.VehiclePosition
	err       error
	queries   int
	trips     map[int64]models.Trip
	tripErr   error
}

func (f *fakeSource) ActivePositions(ctx context.Context) ([]models.VehiclePosition, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func (f *fakeSource) ActiveTrip(ctx context.Context, vehicleID int64) (models.Trip, bool, error) {
	if f.tripErr != nil {
		return models.Trip{}, false, f.tripErr
	}
	t, ok := f.trips[vehicleID]
	return t, ok, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withTrip(ids ...int64) map[int64]models.Trip {
	out := make(map[int64]models.Trip, len(ids))
	for _, id := range ids {
		out[id] = models.Trip{ID: id * 100, VehicleID: id, Status: models.TripActive}
	}
	return out
}

func pos(vehicleID int64, lat, lon float64, at time.Time) models.VehiclePosition {
	return models.VehiclePosition{VehicleID: vehicleID, Latitude: lat, Longitude: lon, LastUpdated: at}
}

func TestUpdateTimestampMonotonic(t *testing.T) {
	src := &fakeSource{trips: withTrip(1)}
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Second)

	// In-order: t1 then t2 keeps t2.
	c := NewPositionCache(src, time.Second, time.Second, discard())
	c.Update(context.Background(), pos(1, 10, 20, t1))
	if _, applied := c.Update(context.Background(), pos(1, 11, 21, t2)); !applied {
		t.Fatal("newer update rejected")
	}
	got, _ := c.Get(1)
	if !got.LastUpdated.Equal(t2) {
		t.Fatalf("expected t2 cached, got %v", got.LastUpdated)
	}

	// Out-of-order: t2 then t1 still keeps t2.
	c = NewPositionCache(src, time.Second, time.Second, discard())
	c.Update(context.Background(), pos(1, 11, 21, t2))
	if _, applied := c.Update(context.Background(), pos(1, 10, 20, t1)); applied {
		t.Fatal("older update accepted")
	}
	got, _ = c.Get(1)
	if !got.LastUpdated.Equal(t2) || got.Latitude != 11 {
		t.Fatalf("expected t2 position retained, got %+v", got)
	}
}

func TestUpdateDroppedWithoutActiveTrip(t *testing.T) {
	src := &fakeSource{trips: withTrip()} // no trips at all
	c := NewPositionCache(src, time.Second, time.Second, discard())
	if _, applied := c.Update(context.Background(), pos(7, 1, 1, time.Now())); applied {
		t.Fatal("update for tripless vehicle accepted")
	}
	if _, ok := c.Get(7); ok {
		t.Fatal("tripless vehicle appeared in cache")
	}
}

func TestUpdateDroppedOnTripLookupError(t *testing.T) {
	src := &fakeSource{tripErr: errors.New("db down")}
	c := NewPositionCache(src, time.Second, time.Second, discard())
	if _, applied := c.Update(context.Background(), pos(7, 1, 1, time.Now())); applied {
		t.Fatal("update accepted despite trip lookup failure")
	}
}

func TestGetAllServesStaleOnRebuildFailure(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{positions: []models.VehiclePosition{
		pos(1, 1, 1, now), pos(2, 2, 2, now), pos(3, 3, 3, now),
	}}
	c := NewPositionCache(src, 5*time.Second, time.Second, discard())
	c.now = func() time.Time { return now }

	if got := c.GetAll(context.Background()); len(got) != 3 {
		t.Fatalf("expected 3 positions after rebuild, got %d", len(got))
	}

	// Expire the cache, then break the repository.
	now = now.Add(10 * time.Second)
	src.err = errors.New("repository unreachable")
	got := c.GetAll(context.Background())
	if len(got) != 3 {
		t.Fatalf("expected stale cache of 3 vehicles, got %d", len(got))
	}
}

func TestGetAllEmptyWhenNoCacheAndRebuildFails(t *testing.T) {
	src := &fakeSource{err: errors.New("repository unreachable")}
	c := NewPositionCache(src, 5*time.Second, time.Second, discard())
	got := c.GetAll(context.Background())
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", got)
	}
}

func TestGetAllFreshCacheSkipsQuery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{positions: []models.VehiclePosition{pos(1, 1, 1, now)}}
	c := NewPositionCache(src, 5*time.Second, time.Second, discard())
	c.now = func() time.Time { return now }

	c.GetAll(context.Background())
	c.GetAll(context.Background())
	if src.queries != 1 {
		t.Fatalf("expected 1 rebuild query, got %d", src.queries)
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{positions: []models.VehiclePosition{pos(1, 1, 1, now)}}
	c := NewPositionCache(src, time.Hour, time.Second, discard())
	c.now = func() time.Time { return now }

	c.GetAll(context.Background())
	c.Invalidate()
	c.GetAll(context.Background())
	if src.queries != 2 {
		t.Fatalf("expected rebuild after Invalidate, got %d queries", src.queries)
	}
}
