package eta

import (
	"math"
	"testing"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

func TestMinutes(t *testing.T) {
	cases := []struct {
		meters float64
		want   int
	}{
		{0, 1},
		{100, 1},
		{500, 1},
		{1000, 2},
		{1500, 3},
		{2499, 5},
		{10000, 20},
	}
	for _, tc := range cases {
		if got := Minutes(tc.meters); got != tc.want {
			t.Errorf("Minutes(%f) = %d, want %d", tc.meters, got, tc.want)
		}
	}
}

func TestMinutesRejectsUnusableDistances(t *testing.T) {
	for _, d := range []float64{math.Inf(1), math.Inf(-1), math.NaN(), -1} {
		if got := Minutes(d); got != 0 {
			t.Errorf("Minutes(%f) = %d, want 0", d, got)
		}
	}
}

func TestMinutesFromSeconds(t *testing.T) {
	if got := MinutesFromSeconds(0); got != 1 {
		t.Fatalf("zero seconds should floor to 1 minute, got %d", got)
	}
	if got := MinutesFromSeconds(61); got != 2 {
		t.Fatalf("61s should ceil to 2 minutes, got %d", got)
	}
	if got := MinutesFromSeconds(300); got != 5 {
		t.Fatalf("300s = 5 minutes, got %d", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}

	if _, ok := c.Get(a, b); ok {
		t.Fatal("empty cache returned a value")
	}
	c.Set(a, b, 120)
	if v, ok := c.Get(a, b); !ok || v != 120 {
		t.Fatalf("expected cached 120, got %f ok=%v", v, ok)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expired entry still served")
	}
}
