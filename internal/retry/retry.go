// Package retry wraps operations with exponential-backoff retries.
// It composes outside the circuit breaker: retry(circuit(op)). The inverse
// is forbidden because retried failures would flap the breaker.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/collectra/orchestrator/internal/circuitbreaker"
	"github.com/collectra/orchestrator/internal/core"
)

// Operation is a unary call against an external dependency.
type Operation func(context.Context) (interface{}, error)

// Policy controls attempt count and backoff shape.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64

	// JitterMin/JitterMax bound the uniform jitter multiplier added to the
	// exponential delay: delay * (1 + U[min,max]). Defaults are full jitter.
	JitterMin float64
	JitterMax float64

	// RetryableKinds decides which error kinds are worth another attempt.
	// A service_unavailable from the breaker is never retried regardless.
	RetryableKinds map[core.ErrorKind]bool

	// OnRetry, when set, observes each re-attempt before its backoff.
	// attempt is 1-based: the first retry reports 1.
	OnRetry func(attempt int)

	rng *rand.Rand
}

// DefaultPolicy is the standard egress retry tuning.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterMin:       0,
		JitterMax:       1,
		RetryableKinds:  defaultRetryable(),
	}
}

// DatabasePolicy retries persistence calls more aggressively.
func DatabasePolicy() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 5
	p.BaseDelay = 500 * time.Millisecond
	p.RetryableKinds[core.KindDatabase] = true
	return p
}

// ExternalServicePolicy backs off harder for third-party APIs.
func ExternalServicePolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = 2 * time.Second
	p.ExponentialBase = 2.5
	return p
}

func defaultRetryable() map[core.ErrorKind]bool {
	return map[core.ErrorKind]bool{
		core.KindExternalService: true,
		core.KindAITimeout:       true,
		core.KindAIRateLimit:     true,
	}
}

// Retryable reports whether err merits another attempt under this policy.
func (p Policy) Retryable(err error) bool {
	kind := core.KindOf(err)
	if kind == core.KindServiceUnavailable {
		return false // the breaker is authoritative
	}
	if p.RetryableKinds == nil {
		return defaultRetryable()[kind]
	}
	return p.RetryableKinds[kind]
}

// Delay computes the sleep before attempt n+1 (n is zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	exp := base
	for i := 0; i < attempt; i++ {
		exp *= p.ExponentialBase
	}
	if max := float64(p.MaxDelay); exp > max {
		exp = max
	}

	span := p.JitterMax - p.JitterMin
	var u float64
	if p.rng != nil {
		u = p.rng.Float64()
	} else {
		u = rand.Float64()
	}
	jitter := p.JitterMin + u*span
	return time.Duration(exp * (1 + jitter))
}

// Do runs op with up to MaxAttempts attempts, sleeping per the backoff
// schedule between failures. Context cancellation cuts the wait short.
func (p Policy) Do(ctx context.Context, service string, op Operation) (interface{}, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.Retryable(err) {
			return nil, err
		}
		if attempt == attempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt + 1)
		}
		delay := p.Delay(attempt)
		slog.Debug("retrying after failure",
			"service", service,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Protected is the canonical composed client call: retry(circuit(op)).
func Protected(ctx context.Context, p Policy, cb *circuitbreaker.CircuitBreaker, op Operation) (interface{}, error) {
	return p.Do(ctx, cb.ServiceName(), func(ctx context.Context) (interface{}, error) {
		return cb.Invoke(ctx, op)
	})
}
