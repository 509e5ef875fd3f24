// Package circuit stops calling a failing collaborator for a cooldown period
// after too many consecutive failures.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls rejected
	StateHalfOpen BreakerState = "half_open" // One probe allowed
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // consecutive failures before tripping
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`                   // time open before a probe
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern over call outcomes.
type Breaker struct {
	config       *Config
	state        BreakerState
	failures     int
	lastTripTime time.Time
	tripReason   string
	probing      bool
	mu           sync.Mutex
	onTrip       func(reason string)
	onReset      func()
	now          func() time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnTrip sets callback for when breaker trips
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a call may proceed. After the cooldown exactly one
// probe is let through until its outcome is recorded.
func (b *Breaker) Allow() error {
	if !b.config.Enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastTripTime)
		if elapsed < b.config.Cooldown {
			return fmt.Errorf("%w: cooldown remaining %v (reason: %s)",
				ErrOpen, (b.config.Cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if wasOpen && onReset != nil {
		onReset()
	}
}

// RecordFailure counts a failure and trips the breaker at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	b.failures++
	b.probing = false

	var reason string
	switch {
	case b.state == StateHalfOpen:
		reason = fmt.Sprintf("probe failed: %v", err)
	case b.state == StateClosed && b.failures >= b.config.FailureThreshold:
		reason = fmt.Sprintf("%d consecutive failures, last: %v", b.failures, err)
	default:
		b.mu.Unlock()
		return
	}
	b.state = StateOpen
	b.lastTripTime = b.now()
	b.tripReason = reason
	onTrip := b.onTrip
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(reason)
	}
}

// GetState returns current breaker state
func (b *Breaker) GetState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns current breaker statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"enabled":     b.config.Enabled,
		"state":       b.state,
		"failures":    b.failures,
		"trip_reason": b.tripReason,
		"last_trip":   b.lastTripTime,
	}
}
