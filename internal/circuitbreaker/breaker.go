// Package circuitbreaker implements the per-dependency failure gate.
// A breaker never retries; it only short-circuits calls to a dependency
// that has failed too many times in a row, and periodically probes recovery.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// latencyRingSize bounds the rolling window used for mean latency.
const latencyRingSize = 100

// Config holds circuit breaker tuning.
type Config struct {
	// ServiceName identifies the protected dependency.
	ServiceName string

	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int

	// Timeout is the open-state cool-off before the next call may probe.
	Timeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes in the half-open state.
	HalfOpenMaxCalls int

	// OnStateChange is invoked after every transition.
	OnStateChange func(service string, from, to State)
}

// DefaultConfig returns the standard breaker tuning for a dependency.
func DefaultConfig(service string) Config {
	return Config{
		ServiceName:      service,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 5,
	}
}

// Metrics is the rolling view of one breaker's traffic.
type Metrics struct {
	TotalCalls      int64     `json:"total_calls"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	FailureRate     float64   `json:"failure_rate"`
	MeanLatencyMS   float64   `json:"mean_latency_ms"`
	OpenCount       int64     `json:"open_count"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	ServiceName          string     `json:"service_name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	HalfOpenInFlight     int        `json:"half_open_in_flight"`
	Metrics              Metrics    `json:"metrics"`
}

// CircuitBreaker gates calls to a single dependency.
type CircuitBreaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        *time.Time
	halfOpenInFlight     int

	metrics    Metrics
	latencies  [latencyRingSize]float64
	latencyLen int
	latencyPos int
}

// New creates a breaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 5
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		metrics: Metrics{
			LastStateChange: time.Now(),
		},
	}
}

// ServiceName returns the protected dependency's name.
func (cb *CircuitBreaker) ServiceName() string { return cb.cfg.ServiceName }

// Invoke runs op if the breaker allows it. When the breaker itself rejects,
// the returned error is a core.Error of kind service_unavailable; otherwise
// op's error surfaces unchanged.
func (cb *CircuitBreaker) Invoke(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(false, time.Since(start))
			panic(r)
		}
	}()

	result, err := op(ctx)
	cb.afterCall(err == nil, time.Since(start))
	return result, err
}

// Status returns a snapshot of the breaker's state and metrics.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statusLocked()
}

func (cb *CircuitBreaker) statusLocked() Status {
	var lastFailure *time.Time
	if cb.lastFailureAt != nil {
		t := *cb.lastFailureAt
		lastFailure = &t
	}
	return Status{
		ServiceName:          cb.cfg.ServiceName,
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureAt:        lastFailure,
		HalfOpenInFlight:     cb.halfOpenInFlight,
		Metrics:              cb.metrics,
	}
}

// Reset forces the breaker back to closed with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureAt = nil
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.lastFailureAt != nil && time.Since(*cb.lastFailureAt) >= cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return nil
		}
		return cb.rejectLocked()

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return cb.rejectLocked()
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) rejectLocked() error {
	err := core.ServiceUnavailableError(cb.cfg.ServiceName)
	err.Message = "circuit open: " + cb.state.String()
	return err
}

func (cb *CircuitBreaker) afterCall(success bool, latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalCalls++
	if success {
		cb.metrics.Successes++
	} else {
		cb.metrics.Failures++
	}
	cb.metrics.FailureRate = float64(cb.metrics.Failures) / float64(cb.metrics.TotalCalls)
	cb.recordLatency(float64(latency.Milliseconds()))

	switch cb.state {
	case StateClosed:
		if success {
			cb.consecutiveFailures = 0
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.stampFailure()
			cb.setState(StateOpen)
		} else {
			cb.stampFailure()
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if !success {
			cb.stampFailure()
			cb.setState(StateOpen)
			return
		}
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
			cb.consecutiveFailures = 0
			cb.consecutiveSuccesses = 0
		}

	case StateOpen:
		// A call that was admitted just before the transition; only the
		// failure stamp matters here.
		if !success {
			cb.stampFailure()
		}
	}
}

func (cb *CircuitBreaker) stampFailure() {
	now := time.Now()
	cb.lastFailureAt = &now
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.metrics.LastStateChange = time.Now()

	switch next {
	case StateOpen:
		cb.metrics.OpenCount++
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.consecutiveSuccesses = 0
	case StateClosed:
		cb.consecutiveSuccesses = 0
	}

	slog.Info("circuit breaker state change",
		"service", cb.cfg.ServiceName,
		"from", prev.String(),
		"to", next.String(),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.ServiceName, prev, next)
	}
}

func (cb *CircuitBreaker) recordLatency(ms float64) {
	cb.latencies[cb.latencyPos] = ms
	cb.latencyPos = (cb.latencyPos + 1) % latencyRingSize
	if cb.latencyLen < latencyRingSize {
		cb.latencyLen++
	}
	sum := 0.0
	for i := 0; i < cb.latencyLen; i++ {
		sum += cb.latencies[i]
	}
	cb.metrics.MeanLatencyMS = sum / float64(cb.latencyLen)
}

// Manager tracks the breakers for all dependencies.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Config
}

// NewManager creates a manager that hands out breakers with the given
// default tuning.
func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[service]; ok {
		return cb
	}
	cfg := m.defaults
	cfg.ServiceName = service
	cb = New(cfg)
	m.breakers[service] = cb
	return cb
}

// GetOrCreate registers a breaker with custom tuning if none exists.
func (m *Manager) GetOrCreate(service string, cfg Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[service]; ok {
		return cb
	}
	cfg.ServiceName = service
	cb = New(cfg)
	m.breakers[service] = cb
	return cb
}

// Statuses snapshots every registered breaker.
func (m *Manager) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Status()
	}
	return out
}
