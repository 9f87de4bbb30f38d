package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-tracking/internal/models"
	"github.com/example/fleet-tracking/internal/observability"
)

// Source provides the repository reads the cache needs: the batched
// rebuild query and the active-trip gate for incoming updates.
type Source interface {
	// ActivePositions returns, in one query, every vehicle with an active
	// trip and non-null coordinates.
	ActivePositions(ctx context.Context) ([]models.VehiclePosition, error)
	// ActiveTrip returns the single active trip for a vehicle, if any.
	ActiveTrip(ctx context.Context, vehicleID int64) (models.Trip, bool, error)
}

// PositionCache holds the last known position per vehicle with bounded
// staleness. Writers replace whole entries, never mutate them in place, so
// readers always get a consistent snapshot copy.
type PositionCache struct {
	mu          sync.Mutex
	positions   map[int64]models.VehiclePosition
	lastRefresh time.Time
	seeded      bool

	expiry         time.Duration
	rebuildTimeout time.Duration
	source         Source
	logger         *slog.Logger
	now            func() time.Time
}

func NewPositionCache(source Source, expiry, rebuildTimeout time.Duration, logger *slog.Logger) *PositionCache {
	if expiry <= 0 {
		expiry = 5 * time.Second
	}
	if rebuildTimeout <= 0 {
		rebuildTimeout = 500 * time.Millisecond
	}
	return &PositionCache{
		positions:      make(map[int64]models.VehiclePosition),
		expiry:         expiry,
		rebuildTimeout: rebuildTimeout,
		source:         source,
		logger:         logger,
		now:            time.Now,
	}
}

// Update applies a position update. The update is dropped when the vehicle
// has no active trip (parked vehicles must not appear live) or when its
// timestamp is older than the cached one (retried deliveries can arrive out
// of order). Returns the active trip and whether the update was applied.
func (c *PositionCache) Update(ctx context.Context, pos models.VehiclePosition) (models.Trip, bool) {
	trip, ok, err := c.source.ActiveTrip(ctx, pos.VehicleID)
	if err != nil {
		c.logger.Warn("active trip lookup failed, dropping update", "vehicle_id", pos.VehicleID, "error", err)
		observability.PositionsDropped.Inc()
		return models.Trip{}, false
	}
	if !ok {
		c.logger.Debug("no active trip, dropping update", "vehicle_id", pos.VehicleID)
		observability.PositionsDropped.Inc()
		return models.Trip{}, false
	}

	if pos.Route == "" {
		pos.Route = trip.RouteName
	}
	if pos.OwnerID == 0 {
		pos.OwnerID = trip.DriverID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, exists := c.positions[pos.VehicleID]; exists && pos.LastUpdated.Before(prev.LastUpdated) {
		c.logger.Debug("stale timestamp, dropping update",
			"vehicle_id", pos.VehicleID, "cached", prev.LastUpdated, "incoming", pos.LastUpdated)
		observability.PositionsDropped.Inc()
		return trip, false
	}
	c.positions[pos.VehicleID] = pos
	c.seeded = true
	observability.PositionsApplied.Inc()
	return trip, true
}

// Get returns the cached position for a vehicle without triggering a rebuild.
func (c *PositionCache) Get(vehicleID int64) (models.VehiclePosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[vehicleID]
	return pos, ok
}

// GetAll returns a snapshot of all cached positions, rebuilding from the
// repository when the cache is past its expiry window. A failed rebuild is
// never surfaced: the previous snapshot is served stale, or an empty result
// when nothing was ever cached.
func (c *PositionCache) GetAll(ctx context.Context) []models.VehiclePosition {
	c.mu.Lock()
	fresh := c.seeded && c.now().Sub(c.lastRefresh) <= c.expiry
	if fresh {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	rebuildCtx, cancel := context.WithTimeout(ctx, c.rebuildTimeout)
	defer cancel()
	positions, err := c.source.ActivePositions(rebuildCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		observability.CacheRebuildFailures.Inc()
		if c.seeded {
			c.logger.Warn("position rebuild failed, serving stale cache", "error", err, "cached", len(c.positions))
			return c.snapshotLocked()
		}
		c.logger.Warn("position rebuild failed with no prior cache", "error", err)
		return []models.VehiclePosition{}
	}

	replacement := make(map[int64]models.VehiclePosition, len(positions))
	for _, p := range positions {
		replacement[p.VehicleID] = p
	}
	c.positions = replacement
	c.lastRefresh = c.now()
	c.seeded = true
	observability.CacheRebuilds.Inc()
	return c.snapshotLocked()
}

// Invalidate forces the next GetAll to rebuild, e.g. after a trip ends.
func (c *PositionCache) Invalidate() {
	c.mu.Lock()
	c.lastRefresh = time.Time{}
	c.mu.Unlock()
}

// Remove evicts a single vehicle, used when its trip completes.
func (c *PositionCache) Remove(vehicleID int64) {
	c.mu.Lock()
	delete(c.positions, vehicleID)
	c.mu.Unlock()
}

func (c *PositionCache) snapshotLocked() []models.VehiclePosition {
	out := make([]models.VehiclePosition, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}
