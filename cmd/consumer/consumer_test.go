package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-tracking/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastGeo  string
	lastMeta string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.lastGeo = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.lastMeta = key
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func testRecipient() models.Recipient {
	return models.Recipient{
		ID:       42,
		Role:     models.RoleCommuter,
		Loc:      models.Coord{Lat: 1, Lon: 2},
		LastSeen: time.Now().UTC(),
	}
}

func TestUpdatePresenceWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updatePresenceWithRetry(ctx, f, "presence", testRecipient(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdatePresenceWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updatePresenceWithRetry(ctx, f, "presence", testRecipient(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdatePresenceWithRetry_KeyLayout(t *testing.T) {
	f := &fakeUpdater{}
	if err := updatePresenceWithRetry(context.Background(), f, "presence", testRecipient(), 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.lastGeo != "presence:geo:commuter" {
		t.Fatalf("unexpected geo key %q", f.lastGeo)
	}
	if f.lastMeta != "presence:meta:42" {
		t.Fatalf("unexpected meta key %q", f.lastMeta)
	}
}
