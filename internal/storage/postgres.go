package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/fleet-tracking/internal/models"
)

// PostgresStore backs the repositories with PostgreSQL via database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) UpsertVehiclePosition(ctx context.Context, pos models.VehiclePosition) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE vehicles
SET current_latitude=$2, current_longitude=$3, accuracy=$4, last_speed_kmh=$5,
    occupancy_status=COALESCE(NULLIF($6,''), occupancy_status), last_updated=$7
WHERE id=$1`,
		pos.VehicleID, pos.Latitude, pos.Longitude, pos.Accuracy, pos.SpeedKmh,
		pos.OccupancyStatus, pos.LastUpdated)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO location_logs(vehicle_id, latitude, longitude, accuracy, created_at)
VALUES($1,$2,$3,$4,$5)`,
		pos.VehicleID, pos.Latitude, pos.Longitude, pos.Accuracy, pos.LastUpdated)
	return err
}

// ActivePositions is the single batched rebuild query for the position
// cache: active trips joined to vehicles with non-null coordinates.
func (p *PostgresStore) ActivePositions(ctx context.Context) ([]models.VehiclePosition, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT v.id, v.owner_id, v.current_latitude, v.current_longitude, v.accuracy,
       v.last_speed_kmh, v.status, v.occupancy_status, v.vehicle_type,
       COALESCE(v.route,''), v.last_updated
FROM vehicles v
JOIN trips t ON t.vehicle_id = v.id AND t.status = 'active'
WHERE v.status IN ('active','delayed')
  AND v.current_latitude IS NOT NULL
  AND v.current_longitude IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.VehiclePosition
	for rows.Next() {
		var pos models.VehiclePosition
		if err := rows.Scan(&pos.VehicleID, &pos.OwnerID, &pos.Latitude, &pos.Longitude,
			&pos.Accuracy, &pos.SpeedKmh, &pos.Status, &pos.OccupancyStatus,
			&pos.VehicleType, &pos.Route, &pos.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ActiveTrips lists every active trip in one query so the snapshot endpoint
// can batch passenger counts across vehicles.
func (p *PostgresStore) ActiveTrips(ctx context.Context) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, vehicle_id, driver_id, COALESCE(route_name,''), status, start_time
FROM trips WHERE status='active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		var t models.Trip
		if err := rows.Scan(&t.ID, &t.VehicleID, &t.DriverID, &t.RouteName, &t.Status, &t.StartTime); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveTrip(ctx context.Context, vehicleID int64) (models.Trip, bool, error) {
	var t models.Trip
	var routeName sql.NullString
	err := p.db.QueryRowContext(ctx, `
SELECT id, vehicle_id, driver_id, COALESCE(route_name,''), status, start_time
FROM trips WHERE vehicle_id=$1 AND status='active'`, vehicleID).
		Scan(&t.ID, &t.VehicleID, &t.DriverID, &routeName, &t.Status, &t.StartTime)
	if err == sql.ErrNoRows {
		return models.Trip{}, false, nil
	}
	if err != nil {
		return models.Trip{}, false, err
	}
	t.RouteName = routeName.String
	return t, true, nil
}

func (p *PostgresStore) StartTrip(ctx context.Context, trip models.Trip) (models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Trip{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
UPDATE trips SET status='completed', end_time=NOW()
WHERE vehicle_id=$1 AND status='active'`, trip.VehicleID); err != nil {
		return models.Trip{}, err
	}
	if trip.StartTime.IsZero() {
		trip.StartTime = time.Now().UTC()
	}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO trips(vehicle_id, driver_id, route_name, status, start_time)
VALUES($1,$2,NULLIF($3,''),'active',$4) RETURNING id`,
		trip.VehicleID, trip.DriverID, trip.RouteName, trip.StartTime).Scan(&trip.ID); err != nil {
		return models.Trip{}, err
	}
	trip.Status = models.TripActive
	return trip, tx.Commit()
}

func (p *PostgresStore) EndTrip(ctx context.Context, tripID int64, status string) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE trips SET status=$2, end_time=NOW() WHERE id=$1`, tripID, status)
	return err
}

func (p *PostgresStore) Preference(ctx context.Context, recipientID int64) (models.NotificationPreference, bool, error) {
	var pref models.NotificationPreference
	var routes pq.StringArray
	var lastFired sql.NullTime
	err := p.db.QueryRowContext(ctx, `
SELECT user_id, enabled, notification_radius, notify_specific_routes,
       COALESCE(routes,'{}'), notification_cooldown, last_notification_time
FROM notification_settings WHERE user_id=$1`, recipientID).
		Scan(&pref.RecipientID, &pref.Enabled, &pref.RadiusMeters, &pref.RestrictToRoutes,
			&routes, &pref.CooldownSeconds, &lastFired)
	if err == sql.ErrNoRows {
		return models.NotificationPreference{}, false, nil
	}
	if err != nil {
		return models.NotificationPreference{}, false, err
	}
	pref.RouteAllowlist = routes
	if lastFired.Valid {
		t := lastFired.Time
		pref.LastFiredAt = &t
	}
	return pref, true, nil
}

func (p *PostgresStore) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	var lastFired any
	if pref.LastFiredAt != nil {
		lastFired = *pref.LastFiredAt
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO notification_settings(user_id, enabled, notification_radius, notify_specific_routes, routes, notification_cooldown, last_notification_time)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (user_id) DO UPDATE SET
  enabled=EXCLUDED.enabled,
  notification_radius=EXCLUDED.notification_radius,
  notify_specific_routes=EXCLUDED.notify_specific_routes,
  routes=EXCLUDED.routes,
  notification_cooldown=EXCLUDED.notification_cooldown,
  last_notification_time=EXCLUDED.last_notification_time`,
		pref.RecipientID, pref.Enabled, pref.RadiusMeters, pref.RestrictToRoutes,
		pq.Array(pref.RouteAllowlist), pref.CooldownSeconds, lastFired)
	return err
}

func (p *PostgresStore) TouchLastFired(ctx context.Context, recipientID int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE notification_settings SET last_notification_time=$2 WHERE user_id=$1`, recipientID, at)
	return err
}

func (p *PostgresStore) AppendPassengerEvent(ctx context.Context, evt *models.PassengerEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
INSERT INTO passenger_events(trip_id, event_type, count, notes, created_at)
VALUES($1,$2,$3,NULLIF($4,''),$5) RETURNING id`,
		evt.TripID, evt.Type, evt.Count, evt.Notes, evt.CreatedAt).Scan(&evt.ID)
}

// TripPassengerStates issues exactly one grouped aggregate over all
// requested trips; per-trip lookups were the N+1 pattern that made the map
// view take seconds under load.
func (p *PostgresStore) TripPassengerStates(ctx context.Context, tripIDs []int64) (map[int64]models.TripPassengerState, error) {
	out := make(map[int64]models.TripPassengerState, len(tripIDs))
	if len(tripIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT trip_id,
       COALESCE(SUM(count) FILTER (WHERE event_type='board'), 0),
       COALESCE(SUM(count) FILTER (WHERE event_type='alight'), 0)
FROM passenger_events
WHERE trip_id = ANY($1)
GROUP BY trip_id`, pq.Array(tripIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state models.TripPassengerState
		if err := rows.Scan(&state.TripID, &state.Boards, &state.Alights); err != nil {
			return nil, err
		}
		out[state.TripID] = state
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveNotification(ctx context.Context, evt *models.NotificationEvent) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if evt.Status == "" {
		evt.Status = "unread"
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
INSERT INTO notifications(user_id, type, title, message, data, status, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		evt.RecipientID, evt.Kind, evt.Title, evt.Message, payload, evt.Status, evt.CreatedAt).Scan(&evt.ID)
}

func (p *PostgresStore) ListNotifications(ctx context.Context, recipientID int64, limit int) ([]models.NotificationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT id, user_id, type, title, message, COALESCE(data,'{}'), status, created_at
FROM notifications WHERE user_id=$1
ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NotificationEvent
	for rows.Next() {
		var evt models.NotificationEvent
		var payload []byte
		if err := rows.Scan(&evt.ID, &evt.RecipientID, &evt.Kind, &evt.Title, &evt.Message,
			&payload, &evt.Status, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &evt.Payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountUnreadNotifications(ctx context.Context, recipientID int64) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND status='unread'`, recipientID).Scan(&count)
	return count, err
}

func (p *PostgresStore) MarkNotificationsRead(ctx context.Context, recipientID int64) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE notifications SET status='read' WHERE user_id=$1 AND status='unread'`, recipientID)
	return err
}

func (p *PostgresStore) UpsertRecipient(ctx context.Context, rec models.Recipient) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE users SET current_latitude=$2, current_longitude=$3, accuracy=$4, last_seen=$5
WHERE id=$1`, rec.ID, rec.Loc.Lat, rec.Loc.Lon, rec.Accuracy, rec.LastSeen)
	return err
}

func (p *PostgresStore) ActiveRecipients(ctx context.Context, role string, seenAfter time.Time) ([]models.Recipient, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, user_type, current_latitude, current_longitude, COALESCE(accuracy,0), last_seen
FROM users
WHERE user_type=$1
  AND current_latitude IS NOT NULL
  AND current_longitude IS NOT NULL
  AND last_seen > $2`, role, seenAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Role, &r.Loc.Lat, &r.Loc.Lon, &r.Accuracy, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
