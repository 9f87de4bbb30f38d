package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

// Client is the interface used by the matcher to get route-aware ETAs.
// Implementations must fail fast; callers always fall back to Minutes.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Minutes converts a straight-line distance in meters into a crude arrival
// estimate. The assumed average speed is ~30 km/h, i.e. two minutes per
// kilometer, with a floor of one minute. This is deliberately not real
// routing; it exists so a notification can say something useful.
func Minutes(distanceMeters float64) int {
	if math.IsInf(distanceMeters, 0) || math.IsNaN(distanceMeters) || distanceMeters < 0 {
		return 0
	}
	m := int(math.Round(distanceMeters / 1000.0 * 2.0))
	if m < 1 {
		m = 1
	}
	return m
}

// MinutesFromSeconds rounds a routing-engine duration up to whole minutes
// with the same one-minute floor as Minutes.
func MinutesFromSeconds(seconds float64) int {
	if seconds <= 0 {
		return 1
	}
	m := int(math.Ceil(seconds / 60.0))
	if m < 1 {
		m = 1
	}
	return m
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
