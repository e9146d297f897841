// Package retry provides a generic retry-with-backoff executor. It is
// used by the runtime reconnect path and reusable for any flaky
// operation. Delays grow exponentially with optional jitter, and every
// run keeps a per-attempt audit trail.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"phobos.org.uk/harness/internal/fault"
)

// Defaults
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.1
)

// DefaultRetryablePatterns are case-insensitive substrings that mark an
// error message as transient even when the error carries no kind.
var DefaultRetryablePatterns = []string{
	"rate limit",
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"try again",
	"overloaded",
}

// DefaultRetryableKinds are the error kinds retried by default.
var DefaultRetryableKinds = []fault.Kind{
	fault.ConnectionFailure,
	fault.Timeout,
	fault.RateLimited,
}

// Config holds retry policy settings.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
	RetryableKinds    []fault.Kind  `yaml:"retryable_kinds"`
	RetryablePatterns []string      `yaml:"retryable_patterns"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		Multiplier:        DefaultMultiplier,
		JitterFraction:    DefaultJitter,
		RetryableKinds:    DefaultRetryableKinds,
		RetryablePatterns: DefaultRetryablePatterns,
	}
}

// Attempt records one attempt of a retried operation.
type Attempt struct {
	Number int           // 1-based attempt number
	Delay  time.Duration // delay slept before this attempt (0 for the first)
	Err    error         // nil when the attempt succeeded
	Time   time.Time
}

// ExhaustedError is returned when all attempts failed. It preserves the
// original triggering error and the full attempt history.
type ExhaustedError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%d attempts failed, last: %v", len(e.Attempts), e.LastErr)
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Manager executes operations under a retry policy.
type Manager struct {
	cfg   Config
	kinds map[fault.Kind]struct{}

	// Injectable for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New creates a Manager, merging defaults into unset config fields once.
func New(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.RetryableKinds == nil {
		cfg.RetryableKinds = DefaultRetryableKinds
	}
	if cfg.RetryablePatterns == nil {
		cfg.RetryablePatterns = DefaultRetryablePatterns
	}

	kinds := make(map[fault.Kind]struct{}, len(cfg.RetryableKinds))
	for _, k := range cfg.RetryableKinds {
		kinds[k] = struct{}{}
	}

	return &Manager{
		cfg:       cfg,
		kinds:     kinds,
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable reports whether err should be retried: either its kind is
// in the configured set, or its message matches one of the configured
// case-insensitive substrings.
func (m *Manager) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if kind := fault.KindOf(err); kind != "" {
		if _, ok := m.kinds[kind]; ok {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range m.cfg.RetryablePatterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ComputeDelay returns the delay before the retry following attempt
// index n (0-based): min(maxDelay, baseDelay*multiplier^n) plus a
// uniformly random addition up to delay*jitterFraction. The result is
// never negative and never exceeds maxDelay.
func (m *Manager) ComputeDelay(attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	base := float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Multiplier, float64(attemptIndex))
	capped := math.Min(base, float64(m.cfg.MaxDelay))

	delay := capped
	if m.cfg.JitterFraction > 0 {
		delay += m.randFloat() * capped * m.cfg.JitterFraction
	}
	delay = math.Min(delay, float64(m.cfg.MaxDelay))
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Run executes op up to MaxAttempts times, sleeping ComputeDelay between
// attempts (no delay before the first). A non-retryable failure
// propagates immediately; exhaustion returns a RetryExhausted error
// whose cause is an ExhaustedError with the full history. The
// returned attempt list records every attempt made, including a
// successful final one.
func (m *Manager) Run(ctx context.Context, op func(context.Context) error) ([]Attempt, error) {
	attempts := make([]Attempt, 0, m.cfg.MaxAttempts)

	for i := 0; i < m.cfg.MaxAttempts; i++ {
		var delay time.Duration
		if i > 0 {
			delay = m.ComputeDelay(i - 1)
			if err := m.sleep(ctx, delay); err != nil {
				return attempts, err
			}
		}

		err := op(ctx)
		attempts = append(attempts, Attempt{
			Number: i + 1,
			Delay:  delay,
			Err:    err,
			Time:   time.Now().UTC(),
		})

		if err == nil {
			return attempts, nil
		}
		if !m.IsRetryable(err) {
			return attempts, err
		}
	}

	last := attempts[len(attempts)-1].Err
	return attempts, fault.Wrap(fault.RetryExhausted,
		fmt.Sprintf("retry exhausted after %d attempts", len(attempts)),
		&ExhaustedError{Attempts: attempts, LastErr: last})
}

// Execute runs op under the retry policy, discarding the audit trail on
// success. On exhaustion the ExhaustedError still carries it.
func (m *Manager) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := m.Run(ctx, op)
	return err
}

// Wrap returns op decorated with this manager's retry policy.
func (m *Manager) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return m.Execute(ctx, op)
	}
}

// Do executes a value-returning operation under the retry policy.
func Do[T any](ctx context.Context, m *Manager, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := m.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
