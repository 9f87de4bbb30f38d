package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/fleet-tracking/internal/eta"
	"github.com/example/fleet-tracking/internal/geo"
	"github.com/example/fleet-tracking/internal/hub"
	"github.com/example/fleet-tracking/internal/models"
	"github.com/example/fleet-tracking/internal/observability"
	"github.com/example/fleet-tracking/internal/throttle"
)

// Recipients supplies notification candidates with a recent position.
type Recipients interface {
	ActiveRecipients(ctx context.Context, role string, seenAfter time.Time) ([]models.Recipient, error)
}

// NotificationStore persists fired notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, evt *models.NotificationEvent) error
}

// Publisher is the broadcast hub surface the matcher emits through.
type Publisher interface {
	Publish(room, event string, payload any)
}

// Pusher is an optional secondary sink (push gateway) for fired
// notifications.
type Pusher interface {
	Push(evt models.NotificationEvent)
}

// Service evaluates a fresh position update against candidate recipients
// and fires proximity notifications. The scan is O(candidates) per update;
// candidate sets stay small through the recency window rather than spatial
// indexing, since concurrent recipients number in the tens to low hundreds.
type Service struct {
	Recipients    Recipients
	Throttle      *throttle.Throttle
	Notifications NotificationStore
	Hub           Publisher
	Push          Pusher     // optional
	ETAClient     eta.Client // optional routing engine
	ETACache      *eta.Cache // optional, only consulted with ETAClient

	// CandidateWindow bounds how old a recipient's last position may be to
	// still count as a candidate.
	CandidateWindow time.Duration
	Logger          *slog.Logger
}

func (s *Service) window() time.Duration {
	if s.CandidateWindow > 0 {
		return s.CandidateWindow
	}
	return 10 * time.Minute
}

// VehicleMoved notifies commuters near the vehicle's new position. Returns
// the number of notifications fired.
func (s *Service) VehicleMoved(ctx context.Context, pos models.VehiclePosition) int {
	candidates, err := s.Recipients.ActiveRecipients(ctx, models.RoleCommuter, time.Now().Add(-s.window()))
	if err != nil {
		s.Logger.Warn("candidate lookup failed", "vehicle_id", pos.VehicleID, "error", err)
		return 0
	}
	fired := 0
	for _, commuter := range candidates {
		if s.notifyVehicleApproaching(ctx, commuter.ID, commuter.Loc, pos) {
			fired++
		}
	}
	return fired
}

// CommuterMoved handles a commuter position update: the commuter is told
// about vehicles already inside their radius, and each such vehicle's
// operator is told a commuter is waiting nearby. The active vehicle
// positions come from the caller (one cache snapshot, not one query per
// vehicle).
func (s *Service) CommuterMoved(ctx context.Context, commuter models.Recipient, vehicles []models.VehiclePosition) int {
	fired := 0
	for _, pos := range vehicles {
		if s.notifyVehicleApproaching(ctx, commuter.ID, commuter.Loc, pos) {
			fired++
		}
		if s.notifyOperatorNearbyCommuter(ctx, commuter, pos) {
			fired++
		}
	}
	return fired
}

func (s *Service) notifyVehicleApproaching(ctx context.Context, recipientID int64, loc models.Coord, pos models.VehiclePosition) bool {
	pref, err := s.Throttle.Preference(ctx, recipientID)
	if err != nil {
		s.Logger.Warn("preference load failed", "recipient_id", recipientID, "error", err)
		return false
	}
	if !s.qualifies(pref, pos.Route) {
		return false
	}
	distance := geo.Haversine(loc.Lat, loc.Lon, pos.Latitude, pos.Longitude)
	if distance > pref.RadiusMeters {
		return false
	}
	if !s.Throttle.MayNotify(ctx, recipientID, throttle.KindVehicleApproaching) {
		observability.NotificationsThrottled.WithLabelValues(throttle.KindVehicleApproaching).Inc()
		return false
	}

	etaMinutes := s.etaMinutes(ctx, models.Coord{Lat: pos.Latitude, Lon: pos.Longitude}, loc, distance)
	kindLabel := titleCase(pos.VehicleType)
	evt := models.NotificationEvent{
		RecipientID: recipientID,
		Kind:        throttle.KindVehicleApproaching,
		Title:       fmt.Sprintf("%s Approaching", kindLabel),
		Message: fmt.Sprintf("A %s on route %s is %dm away. ETA: ~%d minutes",
			strings.ToLower(kindLabel), pos.Route, int(distance), etaMinutes),
		Payload: map[string]any{
			"vehicle_id":   pos.VehicleID,
			"vehicle_type": pos.VehicleType,
			"route":        pos.Route,
			"distance":     distance,
			"eta_minutes":  etaMinutes,
			"location":     map[string]any{"lat": pos.Latitude, "lng": pos.Longitude},
		},
	}
	if !s.dispatch(ctx, &evt) {
		return false
	}
	// Compact companion event for immediate UI use, separate from the
	// durable notification record.
	s.Hub.Publish(hub.UserRoom(recipientID), throttle.KindVehicleApproaching, map[string]any{
		"vehicle_id":   pos.VehicleID,
		"vehicle_type": pos.VehicleType,
		"route":        pos.Route,
		"distance":     int(distance),
		"eta":          etaMinutes,
	})
	return true
}

func (s *Service) notifyOperatorNearbyCommuter(ctx context.Context, commuter models.Recipient, pos models.VehiclePosition) bool {
	if pos.OwnerID == 0 {
		return false
	}
	pref, err := s.Throttle.Preference(ctx, pos.OwnerID)
	if err != nil {
		s.Logger.Warn("preference load failed", "recipient_id", pos.OwnerID, "error", err)
		return false
	}
	if !pref.Enabled {
		return false
	}
	distance := geo.Haversine(commuter.Loc.Lat, commuter.Loc.Lon, pos.Latitude, pos.Longitude)
	if distance > pref.RadiusMeters {
		return false
	}
	if !s.Throttle.MayNotify(ctx, pos.OwnerID, throttle.KindNearbyCommuter) {
		observability.NotificationsThrottled.WithLabelValues(throttle.KindNearbyCommuter).Inc()
		return false
	}

	evt := models.NotificationEvent{
		RecipientID: pos.OwnerID,
		Kind:        throttle.KindNearbyCommuter,
		Title:       "Commuter Nearby",
		Message:     fmt.Sprintf("A commuter is %dm away from your vehicle.", int(distance)),
		Payload: map[string]any{
			"vehicle_id": pos.VehicleID,
			"distance":   distance,
			"location":   map[string]any{"lat": commuter.Loc.Lat, "lng": commuter.Loc.Lon},
		},
	}
	if !s.dispatch(ctx, &evt) {
		return false
	}
	s.Hub.Publish(hub.UserRoom(pos.OwnerID), throttle.KindNearbyCommuter, map[string]any{
		"vehicle_id": pos.VehicleID,
		"distance":   int(distance),
		"location":   fmt.Sprintf("(%.6f, %.6f)", commuter.Loc.Lat, commuter.Loc.Lon),
	})
	return true
}

// dispatch persists the event, commits the throttle timestamp, and hands
// the durable record to the hub. Persist-then-commit: a failed persist
// leaves the throttle open so the next qualifying update retries.
func (s *Service) dispatch(ctx context.Context, evt *models.NotificationEvent) bool {
	if err := s.Notifications.SaveNotification(ctx, evt); err != nil {
		s.Logger.Warn("notification persist failed", "recipient_id", evt.RecipientID, "kind", evt.Kind, "error", err)
		return false
	}
	if err := s.Throttle.MarkFired(ctx, evt.RecipientID); err != nil {
		s.Logger.Warn("throttle commit failed", "recipient_id", evt.RecipientID, "error", err)
	}
	s.Hub.Publish(hub.UserRoom(evt.RecipientID), "notification", evt)
	if s.Push != nil {
		s.Push.Push(*evt)
	}
	observability.NotificationsSent.WithLabelValues(evt.Kind).Inc()
	return true
}

func (s *Service) qualifies(pref models.NotificationPreference, route string) bool {
	if !pref.Enabled {
		return false
	}
	return pref.AllowsRoute(route)
}

// etaMinutes prefers the routing engine when configured; any failure falls
// back to the crude distance-based estimate so the notification still
// carries a number.
func (s *Service) etaMinutes(ctx context.Context, from, to models.Coord, distance float64) int {
	if s.ETAClient == nil {
		return eta.Minutes(distance)
	}
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return eta.MinutesFromSeconds(v)
		}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	seconds, err := s.ETAClient.EstimateSeconds(lookupCtx, from, to)
	if err != nil {
		s.Logger.Debug("eta lookup failed, using crude estimate", "error", err)
		return eta.Minutes(distance)
	}
	if s.ETACache != nil {
		s.ETACache.Set(from, to, seconds)
	}
	return eta.MinutesFromSeconds(seconds)
}

func titleCase(word string) string {
	if word == "" {
		return "Vehicle"
	}
	return strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
}
