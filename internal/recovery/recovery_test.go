package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/metrics"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(cfg Config) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(cfg, metrics.NewNop(), zap.NewNop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"validation", apperr.Validation("op", "bad"), apperr.KindValidation},
		{"wrapped external", fmt.Errorf("ctx: %w", apperr.External("rpc", nil, "down")), apperr.KindExternal},
		{"rate limited", apperr.RateLimited("api", time.Second, "slow down"), apperr.KindRateLimited},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), apperr.KindTransient},
		{"key management", fmt.Errorf("gen: %w", apperr.ErrKeyManagement), apperr.KindSecurity},
		{"unique", &pgconn.PgError{Code: "23505"}, apperr.KindConflict},
		{"plain", errors.New("boom"), apperr.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Categorize(tc.err))
		})
	}
}

func TestExecuteRetriesTransientWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 4
	cfg.Backoff = Backoff{Base: 100 * time.Millisecond, Max: 250 * time.Millisecond}
	c, slept := newTestCoordinator(cfg)

	calls := 0
	err := c.Execute(context.Background(), "esplora", func(context.Context) error {
		calls++
		if calls < 4 {
			return apperr.Transient("esplora", nil, "timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, *slept)
}

func TestExecuteDoesNotRetryPermanentKinds(t *testing.T) {
	for _, perm := range []error{
		apperr.Validation("op", "bad"),
		apperr.NotFound("op", apperr.ErrPaymentNotFound, "missing"),
		apperr.Conflict("op", nil, "dup"),
		apperr.RateLimited("op", 2*time.Second, "quota"),
	} {
		c, slept := newTestCoordinator(DefaultConfig())
		calls := 0
		err := c.Execute(context.Background(), "dep", func(context.Context) error {
			calls++
			return perm
		})
		assert.Equal(t, perm, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, *slept)
	}
}

func TestExecuteOpensBreakerAndFailsFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute}
	c, _ := newTestCoordinator(cfg)

	failing := func(context.Context) error { return apperr.External("rpc", nil, "502") }
	for i := 0; i < 3; i++ {
		_ = c.Execute(context.Background(), "rpc", failing)
	}
	assert.Equal(t, StateOpen, c.Breaker("rpc").State())

	called := false
	err := c.Execute(context.Background(), "rpc", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))

	// other dependencies are unaffected
	assert.NoError(t, c.Execute(context.Background(), "other", func(context.Context) error { return nil }))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("dep", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 10 * time.Second}, zap.NewNop())
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteStopsWhenContextCancelled(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), metrics.NewNop(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := c.Execute(ctx, "dep", func(context.Context) error {
		calls++
		return apperr.Transient("dep", nil, "flaky")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(10))
	assert.Equal(t, time.Minute, b.Delay(64))
}

func TestReportDoesNotPanicOnNil(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), metrics.NewNop(), zap.NewNop())
	c.Report("monitor", nil)
	c.Report("monitor", apperr.External("rpc", nil, "down"))
}
