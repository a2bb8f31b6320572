// internal/recovery/breaker.go
package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Failing, reject requests
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

// BreakerConfig holds configuration for creating a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Cooldown         time.Duration // time open before a trial call
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker guards one external dependency. Safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	cfg      BreakerConfig
	now      func() time.Time
	onChange func(name string, s State)
	logger   *zap.Logger
}

func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Allow reports whether a call may proceed. An open breaker moves to
// half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.successCount = 0
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.transition(StateClosed)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	fields := []zap.Field{
		zap.String("dependency", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		cb.logger.Warn("circuit breaker opened", append(fields, zap.Int("failures", cb.failureCount))...)
	} else {
		cb.logger.Info("circuit breaker state changed", fields...)
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, to)
	}
}
