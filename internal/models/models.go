package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehiclePosition is the cached last-known position of a vehicle. The
// source-of-truth row lives in the vehicles table; this mirrors it for the
// hot read path.
type VehiclePosition struct {
	VehicleID       int64     `json:"id"`
	OwnerID         int64     `json:"-"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Accuracy        float64   `json:"accuracy,omitempty"`
	SpeedKmh        float64   `json:"speed_kmh"`
	Status          string    `json:"status"`
	OccupancyStatus string    `json:"occupancy_status"`
	VehicleType     string    `json:"type,omitempty"`
	Route           string    `json:"route"`
	LastUpdated     time.Time `json:"last_updated"`
}

// NotificationPreference controls whether and how often a recipient is told
// about nearby vehicles or commuters.
type NotificationPreference struct {
	RecipientID      int64      `json:"recipient_id"`
	Enabled          bool       `json:"enabled"`
	RadiusMeters     float64    `json:"notification_radius"`
	RestrictToRoutes bool       `json:"notify_specific_routes"`
	RouteAllowlist   []string   `json:"routes,omitempty"`
	CooldownSeconds  int        `json:"notification_cooldown"`
	LastFiredAt      *time.Time `json:"-"`
}

// AllowsRoute reports whether a vehicle on the given route qualifies under
// the preference's route restriction.
func (p NotificationPreference) AllowsRoute(route string) bool {
	if !p.RestrictToRoutes {
		return true
	}
	if route == "" {
		return false
	}
	for _, r := range p.RouteAllowlist {
		if r == route {
			return true
		}
	}
	return false
}

// NotificationEvent is the persisted record of a fired notification.
// Immutable once created.
type NotificationEvent struct {
	ID          int64          `json:"id"`
	RecipientID int64          `json:"-"`
	Kind        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"data,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

const (
	TripActive    = "active"
	TripCompleted = "completed"
	TripCancelled = "cancelled"
)

type Trip struct {
	ID        int64      `json:"id"`
	VehicleID int64      `json:"vehicle_id"`
	DriverID  int64      `json:"driver_id"`
	RouteName string     `json:"route_name,omitempty"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

const (
	PassengerBoard  = "board"
	PassengerAlight = "alight"
)

// PassengerEvent is one entry in the append-only board/alight log of a trip.
type PassengerEvent struct {
	ID        int64     `json:"id"`
	TripID    int64     `json:"trip_id"`
	Type      string    `json:"event_type"`
	Count     int       `json:"count"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TripPassengerState is the aggregate of a trip's passenger event log.
type TripPassengerState struct {
	TripID  int64 `json:"trip_id"`
	Boards  int   `json:"boards"`
	Alights int   `json:"alights"`
}

// OnBoard returns the current passenger count, clamped at zero.
func (s TripPassengerState) OnBoard() int {
	if n := s.Boards - s.Alights; n > 0 {
		return n
	}
	return 0
}

const (
	RoleCommuter = "commuter"
	RoleOperator = "operator"
	RoleDriver   = "driver"
)

// Recipient is a notification candidate with a last-known position.
type Recipient struct {
	ID       int64     `json:"id"`
	Role     string    `json:"role"`
	Loc      Coord     `json:"loc"`
	Accuracy float64   `json:"accuracy,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}
