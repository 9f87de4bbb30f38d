package throttle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

type memPrefs struct {
	prefs map[int64]models.NotificationPreference
	err   error
}

func newMemPrefs() *memPrefs {
	return &memPrefs{prefs: make(map[int64]models.NotificationPreference)}
}

func (m *memPrefs) Preference(ctx context.Context, id int64) (models.NotificationPreference, bool, error) {
	if m.err != nil {
		return models.NotificationPreference{}, false, m.err
	}
	p, ok := m.prefs[id]
	return p, ok, nil
}

func (m *memPrefs) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	if m.err != nil {
		return m.err
	}
	m.prefs[pref.RecipientID] = pref
	return nil
}

func (m *memPrefs) TouchLastFired(ctx context.Context, id int64, at time.Time) error {
	if m.err != nil {
		return m.err
	}
	p := m.prefs[id]
	p.RecipientID = id
	p.LastFiredAt = &at
	m.prefs[id] = p
	return nil
}

func newThrottle(store PreferenceStore) *Throttle {
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFirstCallAllowsAndCreatesDefaults(t *testing.T) {
	store := newMemPrefs()
	tr := newThrottle(store)
	if !tr.MayNotify(context.Background(), 42, KindVehicleApproaching) {
		t.Fatal("first call should be allowed")
	}
	pref, ok := store.prefs[42]
	if !ok {
		t.Fatal("default preference record was not created")
	}
	if !pref.Enabled || pref.RadiusMeters != DefaultRadiusMeters || pref.CooldownSeconds != DefaultCooldownSeconds {
		t.Fatalf("unexpected defaults: %+v", pref)
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	store := newMemPrefs()
	tr := newThrottle(store)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	if !tr.MayNotify(ctx, 7, KindVehicleApproaching) {
		t.Fatal("first notification blocked")
	}
	if err := tr.MarkFired(ctx, 7); err != nil {
		t.Fatal(err)
	}

	// Within the 15s vehicle_approaching cooldown.
	now = now.Add(10 * time.Second)
	if tr.MayNotify(ctx, 7, KindVehicleApproaching) {
		t.Fatal("notification allowed within cooldown")
	}

	// After it.
	now = now.Add(6 * time.Second)
	if !tr.MayNotify(ctx, 7, KindVehicleApproaching) {
		t.Fatal("notification blocked after cooldown elapsed")
	}
}

func TestPerKindOverrides(t *testing.T) {
	store := newMemPrefs()
	tr := newThrottle(store)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	pref := DefaultPreference(9)
	pref.CooldownSeconds = 300
	fired := now
	pref.LastFiredAt = &fired
	store.prefs[9] = pref

	// manual_refresh uses its own 5s cooldown regardless of the stored 300s.
	now = now.Add(6 * time.Second)
	if !tr.MayNotify(ctx, 9, KindManualRefresh) {
		t.Fatal("manual_refresh should use the 5s override")
	}
	// An unrecognized kind falls back to the stored cooldown.
	if tr.MayNotify(ctx, 9, "trip_summary") {
		t.Fatal("unknown kind should use stored 300s cooldown")
	}
	now = now.Add(300 * time.Second)
	if !tr.MayNotify(ctx, 9, "trip_summary") {
		t.Fatal("stored cooldown elapsed but still blocked")
	}
}

func TestStoreFailureSuppresses(t *testing.T) {
	store := newMemPrefs()
	store.err = errors.New("db down")
	tr := newThrottle(store)
	if tr.MayNotify(context.Background(), 1, KindNearbyCommuter) {
		t.Fatal("store failure should suppress, not allow")
	}
}

func TestUpdatePreferenceValidatesAndKeepsLastFired(t *testing.T) {
	store := newMemPrefs()
	tr := newThrottle(store)
	ctx := context.Background()

	fired := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := DefaultPreference(5)
	existing.LastFiredAt = &fired
	store.prefs[5] = existing

	update := models.NotificationPreference{RecipientID: 5, Enabled: false, RadiusMeters: 1200, CooldownSeconds: 30}
	if err := tr.UpdatePreference(ctx, update); err != nil {
		t.Fatal(err)
	}
	saved := store.prefs[5]
	if saved.RadiusMeters != 1200 || saved.Enabled {
		t.Fatalf("update not applied: %+v", saved)
	}
	if saved.LastFiredAt == nil || !saved.LastFiredAt.Equal(fired) {
		t.Fatal("last_fired_at must survive preference updates")
	}

	if err := tr.UpdatePreference(ctx, models.NotificationPreference{RecipientID: 5, RadiusMeters: 0}); err == nil {
		t.Fatal("zero radius accepted")
	}
}
