// Package recovery categorises failures and guards calls to external
// dependencies with retry, backoff and per-dependency circuit breakers.
package recovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/metrics"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts int
	Backoff     Backoff
	Breaker     BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second},
		Breaker:     DefaultBreakerConfig(),
	}
}

// Coordinator is shared by every component that calls out of process.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*CircuitBreaker),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Categorize maps any error onto the failure taxonomy.
func Categorize(err error) apperr.Kind {
	if err == nil {
		return apperr.KindUnknown
	}
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		return k
	}

	switch {
	case errors.Is(err, apperr.ErrKeyManagement):
		return apperr.KindSecurity
	case errors.Is(err, apperr.ErrServiceUnavailable):
		return apperr.KindExternal
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.KindNotFound
	case apperr.IsUniqueViolation(err):
		return apperr.KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.KindTransient
	}
	return apperr.KindUnknown
}

// Retryable reports whether a failure of kind k is worth another attempt.
func Retryable(k apperr.Kind) bool {
	return k == apperr.KindExternal || k == apperr.KindTransient
}

// Breaker returns the circuit breaker of a dependency, creating it on first use.
func (c *Coordinator) Breaker(dependency string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[dependency]
	if !ok {
		cb = NewCircuitBreaker(dependency, c.cfg.Breaker, c.logger.Named("breaker"))
		cb.onChange = func(name string, s State) {
			c.metrics.BreakerState.WithLabelValues(name).Set(float64(s))
		}
		c.breakers[dependency] = cb
		c.metrics.BreakerState.WithLabelValues(dependency).Set(float64(StateClosed))
	}
	return cb
}

// Execute runs fn against dependency. External and Transient failures are
// retried with backoff up to MaxAttempts and count toward the breaker; other
// kinds are returned at once. While the breaker is open Execute fails fast
// with ErrServiceUnavailable.
func (c *Coordinator) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	cb := c.Breaker(dependency)

	var err error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if !cb.Allow() {
			c.metrics.RecoveryOutcomes.WithLabelValues(dependency, "short_circuit").Inc()
			return apperr.External(dependency, apperr.ErrServiceUnavailable, "circuit open")
		}

		err = fn(ctx)
		if err == nil {
			cb.RecordSuccess()
			c.metrics.RecoveryOutcomes.WithLabelValues(dependency, "success").Inc()
			return nil
		}

		kind := Categorize(err)
		if !Retryable(kind) {
			if kind != apperr.KindUnknown {
				// the dependency responded
				cb.RecordSuccess()
			}
			c.metrics.RecoveryOutcomes.WithLabelValues(dependency, kind.String()).Inc()
			return err
		}

		cb.RecordFailure()
		if attempt+1 >= c.cfg.MaxAttempts {
			break
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Debug("retrying dependency call",
			zap.String("dependency", dependency),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		c.metrics.RecoveryOutcomes.WithLabelValues(dependency, "retry").Inc()

		if serr := c.sleep(ctx, delay); serr != nil {
			return err
		}
	}

	c.metrics.RecoveryOutcomes.WithLabelValues(dependency, "exhausted").Inc()
	return err
}

// Report records a failure raised inside a background loop. It never
// propagates; the loop carries on with the next item.
func (c *Coordinator) Report(component string, err error) {
	if err == nil {
		return
	}
	kind := Categorize(err)
	c.metrics.ReportedErrors.WithLabelValues(component, kind.String()).Inc()

	fields := []zap.Field{
		zap.String("component", component),
		zap.String("category", kind.String()),
		zap.Error(err),
	}
	if d := apperr.RetryAfter(err); d > 0 {
		fields = append(fields, zap.Duration("retry_after", d))
	}

	switch kind {
	case apperr.KindSecurity, apperr.KindUnknown:
		c.logger.Error("background failure", fields...)
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
		c.logger.Info("background failure", fields...)
	default:
		c.logger.Warn("background failure", fields...)
	}
}
