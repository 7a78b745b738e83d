// Package degradation maintains the aggregate dependency-health picture and
// demotes the service through five modes. It is the sole back-pressure
// mechanism: deferred work queues here instead of executing.
package degradation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Mode is the coarse classification of overall system health. Ordering
// matters: a larger value is a worse mode.
type Mode int

const (
	ModeFull      Mode = iota // all dependencies normal
	ModePartial               // some degraded, everything still attempted
	ModeReadOnly              // writes deferred, reads proceed
	ModeOffline               // all operations deferred
	ModeEmergency             // only emergency-flagged operations allowed
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModePartial:
		return "PARTIAL"
	case ModeReadOnly:
		return "READ_ONLY"
	case ModeOffline:
		return "OFFLINE"
	case ModeEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// OpKind separates reads from writes for mode gating.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// ServiceHealth is the observed state of one dependency.
type ServiceHealth struct {
	Available        bool          `json:"available"`
	ResponseTime     time.Duration `json:"response_time"`
	ErrorRate        float64       `json:"error_rate"`
	CircuitOpen      bool          `json:"circuit_open"`
	DegradationLevel float64       `json:"degradation_level"` // [0,1]
	LastChecked      time.Time     `json:"last_checked"`
}

// Decision is the gate's answer for a disallowed operation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Defer   bool   `json:"defer"`
	Reject  bool   `json:"reject"`
	Reason  string `json:"reason,omitempty"`
}

// FallbackHandler produces a synthetic result for a fully-degraded service.
type FallbackHandler func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)

// FallbackResult wraps a handler's output with the fallback_used marker.
type FallbackResult struct {
	Value        interface{} `json:"value"`
	FallbackUsed bool        `json:"fallback_used"`
}

// DeferredOp is one queued unit of work awaiting drain.
type DeferredOp struct {
	ID       string
	Service  string
	Kind     OpKind
	Priority int // higher drains first
	Attempts int
	Execute  func(ctx context.Context) error
	QueuedAt time.Time
}

// ModeObserver is an in-process callback invoked on mode transitions.
// Observer errors are logged; they never abort other observers.
type ModeObserver func(from, to Mode) error

const maxDeferredAttempts = 3

// Controller aggregates per-service health into a mode and gates execution.
type Controller struct {
	mu        sync.Mutex
	services  map[string]*ServiceHealth
	critical  map[string]bool
	mode      Mode
	fallbacks map[string]FallbackHandler
	deferred  []*DeferredOp
	observers []ModeObserver
}

// NewController creates a controller in Full mode. Critical services carry
// extra weight in mode selection (tenant-data, SMS gateway, persistence).
func NewController(criticalServices ...string) *Controller {
	critical := make(map[string]bool, len(criticalServices))
	for _, s := range criticalServices {
		critical[s] = true
	}
	return &Controller{
		services:  make(map[string]*ServiceHealth),
		critical:  critical,
		mode:      ModeFull,
		fallbacks: make(map[string]FallbackHandler),
	}
}

// Mode returns the current degradation mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ServiceStatus snapshots all tracked services.
func (c *Controller) ServiceStatus() map[string]ServiceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ServiceHealth, len(c.services))
	for name, h := range c.services {
		out[name] = *h
	}
	return out
}

// UpdateServiceStatus records an observation for a dependency, derives its
// degradation level, and recomputes the mode.
func (c *Controller) UpdateServiceStatus(service string, available bool, responseTime time.Duration, errorRate float64, circuitOpen bool) {
	c.mu.Lock()

	h := &ServiceHealth{
		Available:    available,
		ResponseTime: responseTime,
		ErrorRate:    errorRate,
		CircuitOpen:  circuitOpen,
		LastChecked:  time.Now(),
	}
	h.DegradationLevel = degradationLevel(h)
	c.services[service] = h

	prev := c.mode
	next := c.selectModeLocked()
	c.mode = next

	var observers []ModeObserver
	if next != prev {
		observers = append(observers, c.observers...)
	}
	c.mu.Unlock()

	if next != prev {
		slog.Warn("degradation mode change",
			"from", prev.String(),
			"to", next.String(),
			"trigger_service", service,
		)
		for _, obs := range observers {
			if err := obs(prev, next); err != nil {
				slog.Error("mode observer failed", "error", err)
			}
		}
	}
}

// degradationLevel maps observations to [0,1] per the fixed thresholds.
func degradationLevel(h *ServiceHealth) float64 {
	switch {
	case !h.Available || h.CircuitOpen:
		return 1.0
	case h.ErrorRate >= 0.5:
		return 0.8
	case h.ErrorRate >= 0.2:
		return 0.5
	case h.ResponseTime > 5*time.Second:
		return 0.3
	default:
		return 0.1 * h.ErrorRate
	}
}

// selectModeLocked recomputes the mode from current service levels.
func (c *Controller) selectModeLocked() Mode {
	total := len(c.services)
	if total == 0 {
		return ModeFull
	}

	var criticalDegraded, anyDegraded int
	for name, h := range c.services {
		if h.DegradationLevel > 0.8 {
			anyDegraded++
			if c.critical[name] {
				criticalDegraded++
			}
		}
	}

	frac := float64(anyDegraded) / float64(total)
	switch {
	case criticalDegraded >= 2 || frac >= 0.7:
		return ModeEmergency
	case criticalDegraded >= 1 || frac >= 0.5:
		return ModeOffline
	case frac >= 0.3:
		return ModeReadOnly
	case anyDegraded > 0:
		return ModePartial
	default:
		return ModeFull
	}
}

// CanExecute gates an operation by mode. A disallowed operation returns a
// Decision saying whether it should be queued or rejected outright.
func (c *Controller) CanExecute(service string, kind OpKind, emergency bool) (bool, *Decision) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case ModeFull, ModePartial:
		return true, nil
	case ModeReadOnly:
		if kind == OpRead {
			return true, nil
		}
		return false, &Decision{Defer: true, Reason: "read-only mode: write deferred"}
	case ModeOffline:
		if emergency {
			return true, nil
		}
		return false, &Decision{Defer: true, Reason: "offline mode: operation deferred"}
	case ModeEmergency:
		if emergency {
			return true, nil
		}
		return false, &Decision{Reject: true, Reason: "emergency mode: operation rejected"}
	}
	return true, nil
}

// RegisterFallback installs a synthetic-result handler for a service.
func (c *Controller) RegisterFallback(service string, handler FallbackHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[service] = handler
}

// TryFallback invokes the registered handler when the service is fully
// degraded (level 1.0). The second return reports whether a fallback ran.
func (c *Controller) TryFallback(ctx context.Context, service, operation string, params map[string]interface{}) (*FallbackResult, bool, error) {
	c.mu.Lock()
	h, tracked := c.services[service]
	handler, registered := c.fallbacks[service]
	c.mu.Unlock()

	if !tracked || !registered || h.DegradationLevel < 1.0 {
		return nil, false, nil
	}

	value, err := handler(ctx, operation, params)
	if err != nil {
		return nil, true, err
	}
	return &FallbackResult{Value: value, FallbackUsed: true}, true, nil
}

// OnModeChange registers an observer for mode transitions.
func (c *Controller) OnModeChange(obs ModeObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// Defer queues an operation for later execution.
func (c *Controller) Defer(op *DeferredOp) {
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = append(c.deferred, op)
}

// DeferredLen reports the queue depth.
func (c *Controller) DeferredLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}

// DrainDeferred attempts every queued operation once, highest priority first
// (FIFO within a priority). Operations that keep failing are retried on later
// drains and discarded after maxDeferredAttempts.
func (c *Controller) DrainDeferred(ctx context.Context) (executed, requeued, dropped int) {
	c.mu.Lock()
	pending := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority > pending[j].Priority
	})

	var keep []*DeferredOp
	for _, op := range pending {
		if ctx.Err() != nil {
			keep = append(keep, op)
			continue
		}
		op.Attempts++
		if err := op.Execute(ctx); err != nil {
			if op.Attempts >= maxDeferredAttempts {
				dropped++
				slog.Warn("dropping deferred operation",
					"op_id", op.ID,
					"service", op.Service,
					"attempts", op.Attempts,
					"error", err,
				)
				continue
			}
			requeued++
			keep = append(keep, op)
			continue
		}
		executed++
	}

	if len(keep) > 0 {
		c.mu.Lock()
		c.deferred = append(keep, c.deferred...)
		c.mu.Unlock()
	}
	return executed, requeued, dropped
}

// StartDrainLoop runs DrainDeferred on a timer until ctx is cancelled.
func (c *Controller) StartDrainLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				executed, requeued, dropped := c.DrainDeferred(ctx)
				if executed+requeued+dropped > 0 {
					slog.Info("deferred queue drained",
						"executed", executed,
						"requeued", requeued,
						"dropped", dropped,
					)
				}
			}
		}
	}()
}
