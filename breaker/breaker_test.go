package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/metrics"
)

var errUpstream = errors.New("upstream boom")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New("llm", kv.NewMemoryBucket(), Config{
		FailMax:          5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error { return errUpstream }
func ok(ctx context.Context) error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := b.Do(ctx, fail)
		assert.ErrorIs(t, err, errUpstream)

		state, err := b.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, state, "breaker must stay closed before fail_max")
	}

	// Fifth consecutive failure opens the circuit.
	err := b.Do(ctx, fail)
	assert.ErrorIs(t, err, errUpstream)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_FailsFastWhileOpen(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, fail)
	}

	called := false
	err := b.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "op must not run while the circuit is open")

	// Just before the reset timeout it still fails fast.
	*now = now.Add(29 * time.Second)
	err = b.Do(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenThenCloses(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, fail)
	}

	*now = now.Add(30 * time.Second)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	// First probe success keeps it half-open.
	require.NoError(t, b.Do(ctx, ok))
	state, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	// Second successive success closes it.
	require.NoError(t, b.Do(ctx, ok))
	state, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, fail)
	}

	*now = now.Add(30 * time.Second)
	require.NoError(t, b.Do(ctx, ok))

	// Failure in half_open reopens immediately and restarts the window.
	err := b.Do(ctx, fail)
	assert.ErrorIs(t, err, errUpstream)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	err = b.Do(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, fail)
	}
	require.NoError(t, b.Do(ctx, ok))

	// Four more failures must not open the circuit: the success reset
	// the consecutive counter.
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, fail)
	}
	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	_ = b.Do(ctx, fail)
	state, err = b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_CircuitOpenNotCountedAsFailure(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, fail)
	}

	// A nested breaker refusing downstream must not trip this one.
	err := b.Do(ctx, func(ctx context.Context) error { return ErrCircuitOpen })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestBreaker_SharedStateAcrossInstances(t *testing.T) {
	bucket := kv.NewMemoryBucket()
	ctx := context.Background()

	// Two workers sharing one bucket see one breaker.
	w1 := New("llm", bucket, DefaultConfig(), nil)
	w2 := New("llm", bucket, DefaultConfig(), nil)

	for i := 0; i < 5; i++ {
		_ = w1.Do(ctx, fail)
	}

	err := w2.Do(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_StateGauge(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	b, now := newTestBreaker(t)
	b.Instrument(m)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, fail)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")))

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Do(ctx, ok))
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")),
		"closing again must return the gauge to closed")
}

func TestRegistry_ResetAll(t *testing.T) {
	bucket := kv.NewMemoryBucket()
	ctx := context.Background()
	reg := NewRegistry(bucket, DefaultConfig(), nil)

	for i := 0; i < 5; i++ {
		_ = reg.Do(ctx, "llm", fail)
	}
	state, err := reg.Get("llm").State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	require.NoError(t, reg.ResetAll(ctx))

	state, err = reg.Get("llm").State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	require.NoError(t, reg.Do(ctx, "llm", ok))
}
