package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-tracking/internal/cache"
	"github.com/example/fleet-tracking/internal/config"
	"github.com/example/fleet-tracking/internal/eta"
	"github.com/example/fleet-tracking/internal/geo"
	"github.com/example/fleet-tracking/internal/hub"
	"github.com/example/fleet-tracking/internal/ingest"
	"github.com/example/fleet-tracking/internal/matcher"
	"github.com/example/fleet-tracking/internal/models"
	"github.com/example/fleet-tracking/internal/passenger"
	"github.com/example/fleet-tracking/internal/presence"
	"github.com/example/fleet-tracking/internal/storage"
	"github.com/example/fleet-tracking/internal/throttle"
)

// Store is the repository surface the server wires together. Both
// storage.MemoryStore and storage.PostgresStore satisfy it.
type Store interface {
	cache.Source
	throttle.PreferenceStore
	passenger.EventStore
	matcher.Recipients
	matcher.NotificationStore

	UpsertVehiclePosition(ctx context.Context, pos models.VehiclePosition) error
	ActiveTrips(ctx context.Context) ([]models.Trip, error)
	StartTrip(ctx context.Context, trip models.Trip) (models.Trip, error)
	EndTrip(ctx context.Context, tripID int64, status string) error
	UpsertRecipient(ctx context.Context, rec models.Recipient) error
	ListNotifications(ctx context.Context, recipientID int64, limit int) ([]models.NotificationEvent, error)
	CountUnreadNotifications(ctx context.Context, recipientID int64) (int, error)
	MarkNotificationsRead(ctx context.Context, recipientID int64) error
}

// PresenceWriter mirrors recipient positions into a shared index.
type PresenceWriter interface {
	Upsert(ctx context.Context, rec models.Recipient) error
}

type Server struct {
	Store      Store
	Cache      *cache.PositionCache
	Throttle   *throttle.Throttle
	Passengers *passenger.Aggregator
	Matcher    *matcher.Service
	Hub        *hub.Hub

	Kafka    *ingest.KafkaProducer // optional
	Presence PresenceWriter        // optional

	MaxSpeedKmh float64

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(store Store, pc *cache.PositionCache, th *throttle.Throttle,
	agg *passenger.Aggregator, m *matcher.Service, h *hub.Hub, logger *slog.Logger) *Server {
	s := &Server{
		Store:       store,
		Cache:       pc,
		Throttle:    th,
		Passengers:  agg,
		Matcher:     m,
		Hub:         h,
		MaxSpeedKmh: 120,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the full service from configuration, falling back
// to in-memory infrastructure when Postgres/Redis/Kafka are not configured.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store = ps
	} else {
		logger.Info("no PG_DSN configured, using in-memory store")
		store = storage.NewMemoryStore()
	}

	th := throttle.New(store, logger)
	pc := cache.NewPositionCache(store, cfg.CacheExpiry, cfg.CacheRebuildWait, logger)
	h := hub.NewHub(logger)

	var recipients matcher.Recipients = store
	var pres PresenceWriter
	if cfg.RedisAddr != "" {
		idx := presence.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.PresencePrefix)
		recipients = idx
		pres = idx
	}

	m := &matcher.Service{
		Recipients:      recipients,
		Throttle:        th,
		Notifications:   store,
		Hub:             h,
		CandidateWindow: cfg.CandidateWindow,
		Logger:          logger,
	}
	if cfg.OSRMEndpoint != "" {
		m.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		m.ETACache = eta.NewCache(30 * time.Second)
	}
	if cfg.PushWebhook != "" {
		m.Push = hub.NewWebhookPusher(cfg.PushWebhook, cfg.PushKey)
	}

	s := NewServer(store, pc, th, passenger.NewAggregator(store), m, h, logger)
	s.Presence = pres
	s.MaxSpeedKmh = cfg.MaxPlausibleSpeedK
	if len(cfg.KafkaBrokers) > 0 {
		s.Kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/vehicles/locations", s.handleVehicleLocation).Methods("POST")
	s.mux.HandleFunc("/internal/commuters/locations", s.handleCommuterLocation).Methods("POST")
	s.mux.HandleFunc("/internal/trips", s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc("/internal/trips/{trip_id}/end", s.handleEndTrip).Methods("POST")

	s.mux.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.mux.HandleFunc("/api/v1/vehicles/{vehicle_id}/passengers", s.handleGetPassengers).Methods("GET")
	s.mux.HandleFunc("/api/v1/vehicles/{vehicle_id}/passengers", s.handleRecordPassengers).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{user_id}/preferences", s.handleGetPreferences).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{user_id}/preferences", s.handlePutPreferences).Methods("PUT")
	s.mux.HandleFunc("/api/v1/users/{user_id}/notifications", s.handleListNotifications).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{user_id}/notifications/read", s.handleMarkRead).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{user_id}/refresh", s.handleManualRefresh).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type vehicleLocationRequest struct {
	VehicleID       int64      `json:"vehicle_id"`
	Latitude        float64    `json:"latitude"`
	Longitude       float64    `json:"longitude"`
	Accuracy        float64    `json:"accuracy"`
	OccupancyStatus string     `json:"occupancy_status"`
	Timestamp       *time.Time `json:"timestamp"`
}

// handleVehicleLocation is the best-effort ingest channel for vehicle
// positions. Invalid coordinates, unknown vehicles, vehicles without an
// active trip and stale timestamps are all dropped silently; the device
// retries on its own cadence and must never see an error for them.
func (s *Server) handleVehicleLocation(w http.ResponseWriter, r *http.Request) {
	var req vehicleLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.VehicleID <= 0 || !geo.Valid(req.Latitude, req.Longitude) {
		s.logger.Debug("dropping invalid vehicle location", "vehicle_id", req.VehicleID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	pos := models.VehiclePosition{
		VehicleID:       req.VehicleID,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		Accuracy:        req.Accuracy,
		OccupancyStatus: req.OccupancyStatus,
		Status:          "active",
		LastUpdated:     ts,
	}
	if prev, ok := s.Cache.Get(req.VehicleID); ok {
		pos.SpeedKmh = deriveSpeedKmh(prev, pos, s.MaxSpeedKmh)
	}

	trip, applied := s.Cache.Update(r.Context(), pos)
	if !applied {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	pos.Route = trip.RouteName
	pos.OwnerID = trip.DriverID

	if err := s.Store.UpsertVehiclePosition(r.Context(), pos); err != nil {
		s.logger.Warn("vehicle position persist failed", "vehicle_id", pos.VehicleID, "error", err)
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishVehicle(pos); err != nil {
			s.logger.Warn("kafka publish failed", "vehicle_id", pos.VehicleID, "error", err)
		}
	}

	s.Hub.Publish(hub.RoomAllClients, "vehicle_update", pos)
	s.Hub.Publish(hub.VehicleRoom(pos.VehicleID), "vehicle_update", pos)
	s.Matcher.VehicleMoved(r.Context(), pos)

	w.WriteHeader(http.StatusNoContent)
}

type commuterLocationRequest struct {
	UserID    int64   `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// handleCommuterLocation mirrors the vehicle channel for commuter devices
// and drives the operator-direction matcher.
func (s *Server) handleCommuterLocation(w http.ResponseWriter, r *http.Request) {
	var req commuterLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 || !geo.Valid(req.Latitude, req.Longitude) {
		s.logger.Debug("dropping invalid commuter location", "user_id", req.UserID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rec := models.Recipient{
		ID:       req.UserID,
		Role:     models.RoleCommuter,
		Loc:      models.Coord{Lat: req.Latitude, Lon: req.Longitude},
		Accuracy: req.Accuracy,
		LastSeen: time.Now().UTC(),
	}
	if err := s.Store.UpsertRecipient(r.Context(), rec); err != nil {
		s.logger.Warn("recipient persist failed", "user_id", rec.ID, "error", err)
	}
	if s.Presence != nil {
		if err := s.Presence.Upsert(r.Context(), rec); err != nil {
			s.logger.Warn("presence upsert failed", "user_id", rec.ID, "error", err)
		}
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishRecipient(rec); err != nil {
			s.logger.Warn("kafka publish failed", "user_id", rec.ID, "error", err)
		}
	}

	s.Matcher.CommuterMoved(r.Context(), rec, s.Cache.GetAll(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var trip models.Trip
	if err := json.NewDecoder(r.Body).Decode(&trip); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if trip.VehicleID <= 0 {
		http.Error(w, "vehicle_id required", http.StatusBadRequest)
		return
	}
	started, err := s.Store.StartTrip(r.Context(), trip)
	if err != nil {
		s.logger.Error("start trip failed", "vehicle_id", trip.VehicleID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.Cache.Invalidate()
	respondJSON(w, http.StatusCreated, started)
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	tripID, err := strconv.ParseInt(mux.Vars(r)["trip_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid trip id", http.StatusBadRequest)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	status := req.Status
	switch status {
	case "":
		status = models.TripCompleted
	case models.TripCompleted, models.TripCancelled:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if err := s.Store.EndTrip(r.Context(), tripID, status); err != nil {
		s.logger.Error("end trip failed", "trip_id", tripID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.Cache.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type positionView struct {
	models.VehiclePosition
	PassengerCount int `json:"passenger_count"`
}

// handlePositions serves the live map snapshot: cached positions plus
// passenger counts fetched with one batched aggregate across all active
// trips.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.Cache.GetAll(r.Context())

	tripByVehicle := make(map[int64]int64)
	var tripIDs []int64
	if trips, err := s.Store.ActiveTrips(r.Context()); err != nil {
		s.logger.Warn("active trips lookup failed, serving positions without counts", "error", err)
	} else {
		for _, t := range trips {
			tripByVehicle[t.VehicleID] = t.ID
			tripIDs = append(tripIDs, t.ID)
		}
	}
	counts := map[int64]int{}
	if len(tripIDs) > 0 {
		if c, err := s.Passengers.CurrentCounts(r.Context(), tripIDs); err != nil {
			s.logger.Warn("passenger counts lookup failed", "error", err)
		} else {
			counts = c
		}
	}

	out := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		view := positionView{VehiclePosition: pos}
		if tripID, ok := tripByVehicle[pos.VehicleID]; ok {
			view.PassengerCount = counts[tripID]
		}
		out = append(out, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"vehicles": out, "count": len(out)})
}

func (s *Server) handleGetPassengers(w http.ResponseWriter, r *http.Request) {
	vehicleID, err := strconv.ParseInt(mux.Vars(r)["vehicle_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid vehicle id", http.StatusBadRequest)
		return
	}
	trip, ok, err := s.Store.ActiveTrip(r.Context(), vehicleID)
	if err != nil {
		s.logger.Error("active trip lookup failed", "vehicle_id", vehicleID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no active trip", http.StatusNotFound)
		return
	}
	count, err := s.Passengers.CurrentCount(r.Context(), trip.ID)
	if err != nil {
		s.logger.Error("passenger count failed", "trip_id", trip.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"vehicle_id":      vehicleID,
		"trip_id":         trip.ID,
		"passenger_count": count,
	})
}

func (s *Server) handleRecordPassengers(w http.ResponseWriter, r *http.Request) {
	vehicleID, err := strconv.ParseInt(mux.Vars(r)["vehicle_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid vehicle id", http.StatusBadRequest)
		return
	}
	var req struct {
		EventType string `json:"event_type"`
		Count     int    `json:"count"`
		Notes     string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, ok, err := s.Store.ActiveTrip(r.Context(), vehicleID)
	if err != nil {
		s.logger.Error("active trip lookup failed", "vehicle_id", vehicleID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no active trip", http.StatusConflict)
		return
	}
	evt, err := s.Passengers.Record(r.Context(), trip.ID, req.EventType, req.Count, req.Notes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Hub.Publish(hub.VehicleRoom(vehicleID), "passenger_event", evt)
	respondJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	pref, err := s.Throttle.Preference(r.Context(), userID)
	if err != nil {
		s.logger.Error("preference lookup failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, pref)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var pref models.NotificationPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pref.RecipientID = userID
	if err := s.Throttle.UpdatePreference(r.Context(), pref); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, pref)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	notifs, err := s.Store.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list notifications failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	unread, err := s.Store.CountUnreadNotifications(r.Context(), userID)
	if err != nil {
		s.logger.Error("unread count failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"notifications": notifs, "unread": unread})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := s.Store.MarkNotificationsRead(r.Context(), userID); err != nil {
		s.logger.Error("mark read failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleManualRefresh pushes a fresh position snapshot to the user's room on
// demand. Refreshes share the notification throttle under the
// manual_refresh kind so a stuck client cannot hammer the rebuild path.
func (s *Server) handleManualRefresh(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if !s.Throttle.MayNotify(r.Context(), userID, throttle.KindManualRefresh) {
		http.Error(w, "refresh throttled", http.StatusTooManyRequests)
		return
	}
	positions := s.Cache.GetAll(r.Context())
	if err := s.Throttle.MarkFired(r.Context(), userID); err != nil {
		s.logger.Warn("refresh throttle commit failed", "user_id", userID, "error", err)
	}
	s.Hub.Publish(hub.UserRoom(userID), "vehicle_positions", positions)
	respondJSON(w, http.StatusOK, map[string]any{"vehicles": positions, "count": len(positions)})
}

var upgrader = websocket.Upgrader{}

type wsControl struct {
	Action    string `json:"action"`
	VehicleID int64  `json:"vehicle_id"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.Hub.Register(userID, conn)
	go s.readLoop(sess, conn)
}

// readLoop drains inbound control messages until the peer disconnects.
func (s *Server) readLoop(sess *hub.Session, conn *websocket.Conn) {
	defer s.Hub.Unregister(sess)
	for {
		var msg wsControl
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "join_vehicle":
			if msg.VehicleID > 0 {
				sess.JoinVehicle(msg.VehicleID)
			}
		case "leave_vehicle":
			if msg.VehicleID > 0 {
				sess.LeaveVehicle(msg.VehicleID)
			}
		}
	}
}

// deriveSpeedKmh estimates speed from consecutive positions. Implausible
// jumps (GPS glitches teleporting a vehicle across town) produce speeds over
// the plausibility ceiling and are reported as zero rather than poisoning
// the telemetry.
func deriveSpeedKmh(prev, next models.VehiclePosition, maxKmh float64) float64 {
	hours := next.LastUpdated.Sub(prev.LastUpdated).Hours()
	if hours <= 0 {
		return 0
	}
	meters := geo.Haversine(prev.Latitude, prev.Longitude, next.Latitude, next.Longitude)
	if math.IsInf(meters, 1) {
		return 0
	}
	speed := meters / 1000 / hours
	if maxKmh > 0 && speed > maxKmh {
		return 0
	}
	return speed
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
