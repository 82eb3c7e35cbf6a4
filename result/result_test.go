package result

import (
	"errors"
	"testing"
)

func TestUnavailableWrapsSentinel(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	r := UnavailableOf[float64](cause)
	_, err := r.Get()
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause, got %v", err)
	}
	if r.IsAvailable() {
		t.Fatal("unavailable result reported available")
	}
}

func TestDegradedKeepsValue(t *testing.T) {
	r := DegradedOf([]string{"BTCUSDT"}, errors.New("cooldown"))
	v, err := r.Get()
	if err != nil || len(v) != 1 || !r.IsDegraded() {
		t.Fatalf("unexpected degraded result %+v %v", r, err)
	}
	if r.Kind.String() != "degraded" {
		t.Fatalf("unexpected kind string %s", r.Kind)
	}
}
