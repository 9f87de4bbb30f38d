package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

// Notification kinds with dedicated cooldowns.
const (
	KindVehicleApproaching = "vehicle_approaching"
	KindNearbyCommuter     = "nearby_commuter"
	KindManualRefresh      = "manual_refresh"
	KindRouteUpdate        = "route_update"
)

const (
	DefaultRadiusMeters    = 500.0
	DefaultCooldownSeconds = 60
)

// PreferenceStore persists per-recipient notification preferences.
type PreferenceStore interface {
	Preference(ctx context.Context, recipientID int64) (models.NotificationPreference, bool, error)
	SavePreference(ctx context.Context, pref models.NotificationPreference) error
	TouchLastFired(ctx context.Context, recipientID int64, at time.Time) error
}

// Throttle decides whether a notification of a given kind may fire for a
// recipient right now. The check (MayNotify) and the commit (MarkFired) are
// separate steps; concurrent fan-out to the same recipient can pass the
// check twice before either commits. The contract is approximate rate
// limiting, not exactly-once.
type Throttle struct {
	prefs     PreferenceStore
	overrides map[string]time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(prefs PreferenceStore, logger *slog.Logger) *Throttle {
	return &Throttle{
		prefs: prefs,
		overrides: map[string]time.Duration{
			KindVehicleApproaching: 15 * time.Second,
			KindNearbyCommuter:     15 * time.Second,
			KindManualRefresh:      5 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

// DefaultPreference is the record created lazily for a recipient who has
// never configured notifications.
func DefaultPreference(recipientID int64) models.NotificationPreference {
	return models.NotificationPreference{
		RecipientID:     recipientID,
		Enabled:         true,
		RadiusMeters:    DefaultRadiusMeters,
		CooldownSeconds: DefaultCooldownSeconds,
	}
}

// MayNotify reports whether a notification of the given kind may fire for
// the recipient. A recipient with no preference record gets defaults created
// and is allowed through. Store failures suppress the notification; a missed
// notification is cheaper than an unthrottled flood.
func (t *Throttle) MayNotify(ctx context.Context, recipientID int64, kind string) bool {
	pref, ok, err := t.prefs.Preference(ctx, recipientID)
	if err != nil {
		t.logger.Warn("preference lookup failed, suppressing notification", "recipient_id", recipientID, "kind", kind, "error", err)
		return false
	}
	if !ok {
		pref = DefaultPreference(recipientID)
		if err := t.prefs.SavePreference(ctx, pref); err != nil {
			t.logger.Warn("default preference save failed", "recipient_id", recipientID, "error", err)
		}
		return true
	}
	if pref.LastFiredAt == nil {
		return true
	}
	return t.now().Sub(*pref.LastFiredAt) > t.cooldownFor(kind, pref)
}

// MarkFired commits last_fired_at after a notification was actually
// dispatched. Callers invoke this once per fired notification.
func (t *Throttle) MarkFired(ctx context.Context, recipientID int64) error {
	return t.prefs.TouchLastFired(ctx, recipientID, t.now())
}

// Preference returns the recipient's preferences, creating defaults when
// none exist yet.
func (t *Throttle) Preference(ctx context.Context, recipientID int64) (models.NotificationPreference, error) {
	pref, ok, err := t.prefs.Preference(ctx, recipientID)
	if err != nil {
		return models.NotificationPreference{}, err
	}
	if !ok {
		pref = DefaultPreference(recipientID)
		if err := t.prefs.SavePreference(ctx, pref); err != nil {
			return models.NotificationPreference{}, err
		}
	}
	return pref, nil
}

// UpdatePreference validates and persists a recipient's settings. The
// last-fired timestamp is owned by the throttle and survives updates.
func (t *Throttle) UpdatePreference(ctx context.Context, pref models.NotificationPreference) error {
	if pref.RadiusMeters <= 0 {
		return fmt.Errorf("notification radius must be > 0, got %v", pref.RadiusMeters)
	}
	if pref.CooldownSeconds < 0 {
		return fmt.Errorf("notification cooldown must be >= 0, got %d", pref.CooldownSeconds)
	}
	current, ok, err := t.prefs.Preference(ctx, pref.RecipientID)
	if err != nil {
		return err
	}
	if ok {
		pref.LastFiredAt = current.LastFiredAt
	}
	return t.prefs.SavePreference(ctx, pref)
}

func (t *Throttle) cooldownFor(kind string, pref models.NotificationPreference) time.Duration {
	if d, ok := t.overrides[kind]; ok {
		return d
	}
	if pref.CooldownSeconds > 0 {
		return time.Duration(pref.CooldownSeconds) * time.Second
	}
	return DefaultCooldownSeconds * time.Second
}
