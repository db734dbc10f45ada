package breaker

import (
	"testing"

	"github.com/arlomora/hexalb/internal/config"
)

func TestNilBreakerIsNoOp(t *testing.T) {
	var b *Breaker
	if err := b.Allow(); err != nil {
		t.Fatalf("nil breaker should always allow, got %v", err)
	}
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != "disabled" {
		t.Fatalf("State() = %q, want disabled", b.State())
	}
}

func TestBreakerTripsOnFailureThreshold(t *testing.T) {
	cfg := &config.CircuitBreakerConfig{
		FailureThreshold:    50,
		MinRequests:         4,
		OpenDurationSeconds: 30,
		HalfOpenRequests:    2,
	}
	b := New(cfg, nil)

	for i := 0; i < 2; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != "open" {
		t.Fatalf("state = %q, want open after 50%% failures with MinRequests met", b.State())
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	cfg := &config.CircuitBreakerConfig{
		FailureThreshold:    50,
		MinRequests:         20,
		OpenDurationSeconds: 30,
		HalfOpenRequests:    2,
	}
	b := New(cfg, nil)
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "closed" {
		t.Fatalf("state = %q, want closed (below MinRequests)", b.State())
	}
}

func TestBreakerHalfOpenRecoversOnSuccesses(t *testing.T) {
	cfg := &config.CircuitBreakerConfig{
		FailureThreshold:    50,
		MinRequests:         2,
		OpenDurationSeconds: 0,
		HalfOpenRequests:    2,
	}
	b := New(cfg, nil)
	b.cfg.OpenDurationSeconds = 0 // New turns a zero into 30s; zero here means half-open on the next Allow
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatalf("state = %q, want open", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after open duration elapsed = %v, want nil (half-open probe)", err)
	}
	if b.State() != "half-open" {
		t.Fatalf("state = %q, want half-open", b.State())
	}

	b.Allow() // second half-open slot
	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != "closed" {
		t.Fatalf("state = %q, want closed after enough half-open successes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := &config.CircuitBreakerConfig{
		FailureThreshold:    50,
		MinRequests:         2,
		OpenDurationSeconds: 0,
		HalfOpenRequests:    2,
	}
	b := New(cfg, nil)
	b.cfg.OpenDurationSeconds = 0 // New turns a zero into 30s; zero here means half-open on the next Allow
	b.RecordFailure()
	b.RecordFailure()
	b.Allow() // -> half-open
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatalf("state = %q, want open after a half-open failure", b.State())
	}
}
