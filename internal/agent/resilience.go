package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/aristath/ambari-agent/internal/executor"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

// RetryConfig configures retries of failed commands.
type RetryConfig struct {
	Enabled         bool          // Master switch; commands must also set command_retry_enabled
	InitialInterval time.Duration // First delay (default 2s)
	MaxInterval     time.Duration // Upper bound for one delay (default 30s)
	MaxDuration     time.Duration // Budget when the command has no max_duration_for_retries
	Multiplier      float64       // Delay growth factor (default 2.0)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxDuration:     5 * time.Minute,
		Multiplier:      2.0,
	}
}

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32        // Consecutive failures before the breaker opens
	OpenTimeout time.Duration // Time spent open before a trial run
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// budgetBackOff caps every delay at what is left of a fixed time budget and
// stops once the budget is spent. The budget covers both sleeping and running.
type budgetBackOff struct {
	inner  *backoff.ExponentialBackOff
	budget time.Duration
	start  time.Time
	now    func() time.Time
}

func newBudgetBackOff(cfg RetryConfig, budget time.Duration) *budgetBackOff {
	inner := backoff.NewExponentialBackOff()
	inner.InitialInterval = cfg.InitialInterval
	inner.MaxInterval = cfg.MaxInterval
	inner.Multiplier = cfg.Multiplier
	inner.RandomizationFactor = 0
	inner.MaxElapsedTime = 0 // The budget is enforced here
	if inner.Multiplier < 1 {
		inner.Multiplier = 1
	}
	if inner.MaxInterval < inner.InitialInterval {
		inner.MaxInterval = inner.InitialInterval
	}

	b := &budgetBackOff{inner: inner, budget: budget, now: time.Now}
	b.Reset()
	return b
}

func (b *budgetBackOff) Reset() {
	b.inner.Reset()
	b.start = b.now()
}

func (b *budgetBackOff) NextBackOff() time.Duration {
	remaining := b.budget - b.now().Sub(b.start)
	if remaining <= 0 {
		return backoff.Stop
	}
	next := b.inner.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if next > remaining {
		next = remaining
	}
	return next
}

// retryPolicy returns the backoff for cmd. Commands that did not opt in run once.
func retryPolicy(cfg RetryConfig, cmd scheduler.Command) backoff.BackOff {
	if !cfg.Enabled || !cmd.RetryEnabled() {
		return &backoff.StopBackOff{}
	}
	budget := cfg.MaxDuration
	if raw := cmd.Param("max_duration_for_retries"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			budget = time.Duration(secs) * time.Second
		}
	}
	if budget <= 0 {
		return &backoff.StopBackOff{}
	}
	return newBudgetBackOff(cfg, budget)
}

// CircuitBreakerRegistry manages per-role circuit breakers.
type CircuitBreakerRegistry struct {
	cfg    BreakerConfig
	logger logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger logrus.FieldLogger) *CircuitBreakerRegistry {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger.WithField("component", "breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for role, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	maxFailures := r.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: 1, // One trial run while half-open
		Interval:    0,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.WithFields(logrus.Fields{
				"role": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the role's health
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[role] = cb
	return cb
}

// State returns the breaker state for role without creating one.
func (r *CircuitBreakerRegistry) State(role string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[role]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// exitError lets a non-zero exit count as a breaker failure and trigger a retry.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// runWithRetry runs cmd through the role's breaker, retrying per policy.
// It returns the last attempt's result and the number of attempts. A
// command that ran and exited non-zero is returned with a nil error.
func runWithRetry(ctx context.Context, exec executor.Executor, cmd scheduler.Command, out io.Writer, cb *gobreaker.CircuitBreaker, policy backoff.BackOff) (executor.Result, int, error) {
	var (
		res      executor.Result
		attempts int
	)

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++

		result, err := cb.Execute(func() (interface{}, error) {
			r, err := exec.Run(ctx, cmd, out)
			if err == nil && !r.Succeeded() {
				err = &exitError{code: r.ExitCode}
			}
			return r, err
		})
		if r, ok := result.(executor.Result); ok {
			res = r
		}

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return res, attempts, nil
	}
	return res, attempts, err
}
