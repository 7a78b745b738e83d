package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectra/orchestrator/internal/core"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) (interface{}, error) { return nil, errBoom }
func succeeding(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func newTestBreaker(failures, successes int, timeout time.Duration) *CircuitBreaker {
	return New(Config{
		ServiceName:      "llm",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
		HalfOpenMaxCalls: 5,
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(3, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.Invoke(ctx, failing)
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, cb.Status().State)
	}

	// Exactly N consecutive failures trips the breaker.
	_, err := cb.Invoke(ctx, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.Status().State)
	assert.Equal(t, int64(1), cb.Status().Metrics.OpenCount)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, 2, time.Minute)
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, failing)
	_, _ = cb.Invoke(ctx, failing)
	_, err := cb.Invoke(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, 0, cb.Status().ConsecutiveFailures)

	_, _ = cb.Invoke(ctx, failing)
	_, _ = cb.Invoke(ctx, failing)
	assert.Equal(t, StateClosed, cb.Status().State)
}

func TestBreakerOpenFailsFast(t *testing.T) {
	cb := newTestBreaker(1, 1, time.Minute)
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, failing)
	require.Equal(t, StateOpen, cb.Status().State)

	called := false
	_, err := cb.Invoke(ctx, func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called, "open breaker must not invoke the operation")
	assert.True(t, core.IsKind(err, core.KindServiceUnavailable))

	var oe *core.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "llm", oe.Service)
}

func TestBreakerLifecycle(t *testing.T) {
	// failure_threshold=3, success_threshold=2, timeout=50ms.
	cb := newTestBreaker(3, 2, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = cb.Invoke(ctx, failing)
	}
	require.Equal(t, StateOpen, cb.Status().State)

	// Within the timeout further calls fail fast.
	_, err := cb.Invoke(ctx, succeeding)
	require.True(t, core.IsKind(err, core.KindServiceUnavailable))

	time.Sleep(60 * time.Millisecond)

	// After the timeout the next call probes in half-open.
	_, err = cb.Invoke(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.Status().State)
	assert.Equal(t, 1, cb.Status().ConsecutiveSuccesses)

	_, err = cb.Invoke(ctx, succeeding)
	require.NoError(t, err)
	st := cb.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 0, st.ConsecutiveSuccesses)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 3, 20*time.Millisecond)
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, failing)
	require.Equal(t, StateOpen, cb.Status().State)
	time.Sleep(30 * time.Millisecond)

	_, err := cb.Invoke(ctx, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.Status().State)
	assert.Equal(t, int64(2), cb.Status().Metrics.OpenCount)
}

func TestBreakerHalfOpenCapsConcurrentProbes(t *testing.T) {
	cb := New(Config{
		ServiceName:      "sms",
		FailureThreshold: 1,
		SuccessThreshold: 5,
		Timeout:          10 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) (interface{}, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	}

	go cb.Invoke(ctx, slow) //nolint:errcheck
	go cb.Invoke(ctx, slow) //nolint:errcheck
	<-started
	<-started

	// Third concurrent probe is rejected.
	_, err := cb.Invoke(ctx, succeeding)
	assert.True(t, core.IsKind(err, core.KindServiceUnavailable))
	close(release)
}

func TestBreakerMetrics(t *testing.T) {
	cb := newTestBreaker(10, 2, time.Minute)
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, succeeding)
	_, _ = cb.Invoke(ctx, succeeding)
	_, _ = cb.Invoke(ctx, failing)

	m := cb.Status().Metrics
	assert.Equal(t, int64(3), m.TotalCalls)
	assert.Equal(t, int64(2), m.Successes)
	assert.Equal(t, int64(1), m.Failures)
	assert.InDelta(t, 1.0/3.0, m.FailureRate, 1e-9)
}

func TestBreakerReset(t *testing.T) {
	cb := newTestBreaker(1, 1, time.Hour)
	ctx := context.Background()

	_, _ = cb.Invoke(ctx, failing)
	require.Equal(t, StateOpen, cb.Status().State)

	cb.Reset()
	st := cb.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Nil(t, st.LastFailureAt)

	_, err := cb.Invoke(ctx, succeeding)
	assert.NoError(t, err)
}

func TestManagerHandsOutOneBreakerPerService(t *testing.T) {
	m := NewManager(DefaultConfig(""))
	a := m.Get("tenant-data")
	b := m.Get("tenant-data")
	c := m.Get("sms")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	statuses := m.Statuses()
	assert.Len(t, statuses, 2)
	assert.Contains(t, statuses, "tenant-data")
	assert.Contains(t, statuses, "sms")
}
