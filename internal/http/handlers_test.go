package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/fleet-tracking/internal/cache"
	"github.com/example/fleet-tracking/internal/hub"
	"github.com/example/fleet-tracking/internal/matcher"
	"github.com/example/fleet-tracking/internal/models"
	"github.com/example/fleet-tracking/internal/passenger"
	"github.com/example/fleet-tracking/internal/storage"
	"github.com/example/fleet-tracking/internal/throttle"
)

func newTestServer() (*Server, *storage.MemoryStore) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	th := throttle.New(store, logger)
	pc := cache.NewPositionCache(store, 5*time.Second, 500*time.Millisecond, logger)
	h := hub.NewHub(logger)
	m := &matcher.Service{
		Recipients:    store,
		Throttle:      th,
		Notifications: store,
		Hub:           h,
		Logger:        logger,
	}
	return NewServer(store, pc, th, passenger.NewAggregator(store), m, h, logger), store
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func startTrip(t *testing.T, store *storage.MemoryStore, vehicleID, driverID int64, route string) models.Trip {
	t.Helper()
	trip, err := store.StartTrip(context.Background(), models.Trip{VehicleID: vehicleID, DriverID: driverID, RouteName: route})
	if err != nil {
		t.Fatalf("start trip: %v", err)
	}
	return trip
}

func TestVehicleLocationRequiresActiveTrip(t *testing.T) {
	s, store := newTestServer()

	w := doJSON(t, s, "POST", "/internal/vehicles/locations",
		`{"vehicle_id":1,"latitude":14.6,"longitude":121.0}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for parked vehicle, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/api/v1/positions", "")
	var snap struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Count != 0 {
		t.Fatalf("parked vehicle leaked into snapshot: %d", snap.Count)
	}

	startTrip(t, store, 1, 9, "Route 5")
	w = doJSON(t, s, "POST", "/internal/vehicles/locations",
		`{"vehicle_id":1,"latitude":14.6,"longitude":121.0}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/api/v1/positions", "")
	var full struct {
		Count    int `json:"count"`
		Vehicles []struct {
			VehicleID int64  `json:"id"`
			Route     string `json:"route"`
		} `json:"vehicles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if full.Count != 1 || full.Vehicles[0].VehicleID != 1 {
		t.Fatalf("expected vehicle 1 in snapshot, got %+v", full)
	}
	if full.Vehicles[0].Route != "Route 5" {
		t.Fatalf("route not filled from trip: %q", full.Vehicles[0].Route)
	}
}

func TestVehicleLocationDropsInvalidCoordinates(t *testing.T) {
	s, store := newTestServer()
	startTrip(t, store, 1, 9, "Route 5")

	for _, body := range []string{
		`{"vehicle_id":1,"latitude":91,"longitude":0}`,
		`{"vehicle_id":1,"latitude":0,"longitude":-181}`,
		`{"vehicle_id":0,"latitude":1,"longitude":1}`,
	} {
		w := doJSON(t, s, "POST", "/internal/vehicles/locations", body)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected silent drop for %s, got %d", body, w.Code)
		}
	}
	if _, ok := s.Cache.Get(1); ok {
		t.Fatal("invalid update reached the cache")
	}
}

func TestDeriveSpeedKmh(t *testing.T) {
	base := time.Now().UTC()
	prev := models.VehiclePosition{Latitude: 0, Longitude: 0, LastUpdated: base}
	// ~500 m east in one minute => ~30 km/h
	next := models.VehiclePosition{Latitude: 0, Longitude: 0.0045, LastUpdated: base.Add(time.Minute)}
	speed := deriveSpeedKmh(prev, next, 120)
	if speed < 28 || speed > 32 {
		t.Fatalf("expected ~30 km/h, got %f", speed)
	}

	// same jump in one second is a GPS glitch
	next.LastUpdated = base.Add(time.Second)
	if got := deriveSpeedKmh(prev, next, 120); got != 0 {
		t.Fatalf("implausible speed not rejected: %f", got)
	}

	// no elapsed time
	next.LastUpdated = base
	if got := deriveSpeedKmh(prev, next, 120); got != 0 {
		t.Fatalf("zero-interval speed should be 0, got %f", got)
	}
}

func TestPassengerEndpoints(t *testing.T) {
	s, store := newTestServer()
	startTrip(t, store, 3, 9, "Route 1")

	w := doJSON(t, s, "POST", "/api/v1/vehicles/3/passengers", `{"event_type":"board","count":3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("board expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, "POST", "/api/v1/vehicles/3/passengers", `{"event_type":"alight","count":1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("alight expected 201, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/api/v1/vehicles/3/passengers", "")
	var resp struct {
		PassengerCount int `json:"passenger_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PassengerCount != 2 {
		t.Fatalf("expected 2 on board, got %d", resp.PassengerCount)
	}

	w = doJSON(t, s, "POST", "/api/v1/vehicles/3/passengers", `{"event_type":"teleport","count":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad event type expected 400, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/api/v1/vehicles/99/passengers", `{"event_type":"board","count":1}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("no active trip expected 409, got %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/vehicles/99/passengers", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("no active trip expected 404, got %d", w.Code)
	}
}

func TestPositionsSnapshotIncludesPassengerCounts(t *testing.T) {
	s, store := newTestServer()
	trip := startTrip(t, store, 2, 9, "Route 2")
	doJSON(t, s, "POST", "/internal/vehicles/locations", `{"vehicle_id":2,"latitude":14.6,"longitude":121.0}`)
	doJSON(t, s, "POST", fmt.Sprintf("/api/v1/vehicles/%d/passengers", trip.VehicleID), `{"event_type":"board","count":4}`)

	w := doJSON(t, s, "GET", "/api/v1/positions", "")
	var snap struct {
		Vehicles []struct {
			VehicleID      int64 `json:"id"`
			PassengerCount int   `json:"passenger_count"`
		} `json:"vehicles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Vehicles) != 1 || snap.Vehicles[0].PassengerCount != 4 {
		t.Fatalf("expected passenger_count 4, got %+v", snap.Vehicles)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	s, _ := newTestServer()

	w := doJSON(t, s, "GET", "/api/v1/users/10/preferences", "")
	var pref models.NotificationPreference
	if err := json.Unmarshal(w.Body.Bytes(), &pref); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pref.Enabled || pref.RadiusMeters != throttle.DefaultRadiusMeters {
		t.Fatalf("expected lazy defaults, got %+v", pref)
	}

	w = doJSON(t, s, "PUT", "/api/v1/users/10/preferences",
		`{"enabled":true,"notification_radius":750,"notify_specific_routes":true,"routes":["Route 2"],"notification_cooldown":120}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/api/v1/users/10/preferences", "")
	if err := json.Unmarshal(w.Body.Bytes(), &pref); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pref.RadiusMeters != 750 || !pref.RestrictToRoutes || len(pref.RouteAllowlist) != 1 {
		t.Fatalf("update not applied: %+v", pref)
	}

	w = doJSON(t, s, "PUT", "/api/v1/users/10/preferences", `{"notification_radius":-5}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid radius expected 400, got %d", w.Code)
	}
}

func TestNotificationsReadFlow(t *testing.T) {
	s, store := newTestServer()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		evt := models.NotificationEvent{RecipientID: 5, Kind: throttle.KindVehicleApproaching, Title: "t", Message: "m"}
		if err := store.SaveNotification(ctx, &evt); err != nil {
			t.Fatalf("seed notification: %v", err)
		}
	}

	w := doJSON(t, s, "GET", "/api/v1/users/5/notifications", "")
	var resp struct {
		Notifications []models.NotificationEvent `json:"notifications"`
		Unread        int                        `json:"unread"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Notifications) != 2 || resp.Unread != 2 {
		t.Fatalf("expected 2 unread, got %+v", resp)
	}

	if w := doJSON(t, s, "POST", "/api/v1/users/5/notifications/read", ""); w.Code != http.StatusNoContent {
		t.Fatalf("mark read expected 204, got %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/users/5/notifications", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Unread != 0 {
		t.Fatalf("expected 0 unread after mark read, got %d", resp.Unread)
	}
}

func TestManualRefreshThrottled(t *testing.T) {
	s, _ := newTestServer()

	if w := doJSON(t, s, "POST", "/api/v1/users/7/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("first refresh expected 200, got %d", w.Code)
	}
	if w := doJSON(t, s, "POST", "/api/v1/users/7/refresh", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("immediate second refresh expected 429, got %d", w.Code)
	}
}

func TestEndTripInvalidatesSnapshot(t *testing.T) {
	s, store := newTestServer()
	trip := startTrip(t, store, 4, 9, "Route 9")
	doJSON(t, s, "POST", "/internal/vehicles/locations", `{"vehicle_id":4,"latitude":14.6,"longitude":121.0}`)

	w := doJSON(t, s, "POST", fmt.Sprintf("/internal/trips/%d/end", trip.ID), `{"status":"completed"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("end trip expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/api/v1/positions", "")
	var snap struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Count != 0 {
		t.Fatalf("ended trip still in snapshot: %d", snap.Count)
	}
}
