// Package breaker implements the classic three-state circuit breaker
// (closed → open → half-open → closed), one per backend, consulted by the
// dispatcher right after strategy selection and before the outbound call.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/arlomora/hexalb/internal/config"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the circuit is open and fast-failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed   state = iota // normal; requests go through
	stateOpen                  // tripped; all requests fail fast
	stateHalfOpen              // probing; a limited number of requests go through
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Numeric returns the state as the 0/1/2 encoding the metrics gauge uses.
func (s state) Numeric() float64 {
	switch s {
	case stateClosed:
		return 0
	case stateHalfOpen:
		return 1
	case stateOpen:
		return 2
	}
	return 0
}

// Breaker is a single circuit breaker for one backend.
type Breaker struct {
	mu  sync.Mutex
	cfg config.CircuitBreakerConfig
	log *zap.SugaredLogger

	state  state
	openAt time.Time

	window []observation // rolling window for the closed state

	halfOpenTotal    int
	halfOpenFailures int
}

type observation struct {
	at      time.Time
	success bool
}

const rollingWindow = 10 * time.Second

// New creates a Breaker from config. Returns nil (a no-op breaker — every
// method on a nil *Breaker is safe to call) if cfg is nil.
func New(cfg *config.CircuitBreakerConfig, log *zap.SugaredLogger) *Breaker {
	if cfg == nil {
		return nil
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 20
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 50
	}
	if cfg.OpenDurationSeconds == 0 {
		cfg.OpenDurationSeconds = 30
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 5
	}
	return &Breaker{cfg: *cfg, log: log}
}

// Allow returns nil if a request should proceed, ErrCircuitOpen otherwise.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(b.openAt) > time.Duration(b.cfg.OpenDurationSeconds)*time.Second {
			b.transitionTo(stateHalfOpen)
			b.halfOpenTotal++ // this request is the first half-open probe
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		if b.halfOpenTotal < b.cfg.HalfOpenRequests {
			b.halfOpenTotal++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess must be called when an upstream request succeeds.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.record(true)
	case stateHalfOpen:
		if b.halfOpenTotal-b.halfOpenFailures >= b.cfg.HalfOpenRequests {
			b.transitionTo(stateClosed)
		}
	}
}

// RecordFailure must be called when an upstream request fails.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.record(false)
		b.maybeTrip()
	case stateHalfOpen:
		b.halfOpenFailures++
		b.transitionTo(stateOpen)
	}
}

// State returns a human-readable state string ("disabled" for a nil breaker).
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Numeric returns the 0/1/2 state encoding for metrics, 0 for a nil (disabled) breaker.
func (b *Breaker) Numeric() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Numeric()
}

func (b *Breaker) record(success bool) {
	now := time.Now()
	b.window = append(b.window, observation{at: now, success: success})
	cutoff := now.Add(-rollingWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

func (b *Breaker) maybeTrip() {
	total := len(b.window)
	if total < b.cfg.MinRequests {
		return
	}
	failures := 0
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	pct := failures * 100 / total
	if pct >= b.cfg.FailureThreshold {
		b.transitionTo(stateOpen)
	}
}

func (b *Breaker) transitionTo(s state) {
	if b.log != nil && s != b.state {
		b.log.Debugw("circuit breaker transition", "from", b.state, "to", s)
	}
	b.state = s
	switch s {
	case stateOpen:
		b.openAt = time.Now()
		b.window = b.window[:0]
	case stateHalfOpen:
		b.halfOpenTotal = 0
		b.halfOpenFailures = 0
	case stateClosed:
		b.window = b.window[:0]
	}
}
