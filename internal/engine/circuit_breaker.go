package engine

import (
	"sync"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
)

// CircuitState is the current posture of a breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig tunes breaker behavior. Breakers are keyed by task
// kind, so one misbehaving integration cannot poison unrelated tasks.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects before probing again.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe requests allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns sensible production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	state        CircuitState
	failures     int
	lastFailure  time.Time
	halfOpenHits int
}

// CircuitBreakerStats is a read-only snapshot of one breaker.
type CircuitBreakerStats struct {
	Kind        string       `json:"kind"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitzero"`
}

// CircuitBreakerRegistry holds one breaker per task kind.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*circuitBreaker
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take
// the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		config:   config,
		breakers: make(map[string]*circuitBreaker),
		now:      time.Now,
	}
}

// AllowRequest reports whether a task of the given kind may execute.
// An open breaker past its cooldown moves to half-open and admits up to
// HalfOpenMax probes. Rejections carry ErrCodeCircuitOpen.
func (r *CircuitBreakerRegistry) AllowRequest(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.getOrCreate(kind)
	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenHits = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for task kind %q", kind).
			WithDetails(map[string]any{"kind": kind, "failures": cb.failures})
	case CircuitHalfOpen:
		if cb.halfOpenHits < r.config.HalfOpenMax {
			cb.halfOpenHits++
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker half-open for task kind %q, probe in flight", kind)
	}
	return nil
}

// RecordSuccess closes the breaker and clears its failure count.
func (r *CircuitBreakerRegistry) RecordSuccess(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.getOrCreate(kind)
	cb.state = CircuitClosed
	cb.failures = 0
	cb.halfOpenHits = 0
}

// RecordFailure counts a failure. Crossing the threshold, or failing a
// half-open probe, opens the breaker. It returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(kind string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := r.getOrCreate(kind)
	cb.failures++
	cb.lastFailure = r.now()

	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.halfOpenHits = 0
	}
	return cb.state
}

// GetState returns the breaker state for a kind, closed if never used.
func (r *CircuitBreakerRegistry) GetState(kind string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[kind]
	if !ok {
		return CircuitClosed
	}
	return cb.state
}

// GetStats snapshots every breaker the registry has seen.
func (r *CircuitBreakerRegistry) GetStats() []CircuitBreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for kind, cb := range r.breakers {
		stats = append(stats, CircuitBreakerStats{
			Kind:        kind,
			State:       cb.state,
			Failures:    cb.failures,
			LastFailure: cb.lastFailure,
		})
	}
	return stats
}

func (r *CircuitBreakerRegistry) getOrCreate(kind string) *circuitBreaker {
	cb, ok := r.breakers[kind]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[kind] = cb
	}
	return cb
}
