package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool

	// RetryValidation keeps retrying errors that look like validation
	// failures instead of stopping after the first attempt.
	RetryValidation bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// FixedRetryConfig makes attempts tries spaced exactly delay apart.
func FixedRetryConfig(attempts int, delay time.Duration) RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return RetryConfig{
		MaxRetries: attempts - 1,
		BaseDelay:  delay,
		Multiplier: 1,
		MaxDelay:   delay,
	}
}

// ErrorContext describes the call being protected.
type ErrorContext struct {
	Module         string
	Operation      string
	Recipient      string
	CustomerFacing bool
}

// Escalator hands failures to a human agent queue.
type Escalator interface {
	Escalate(ctx context.Context, e model.EscalationEntry) error
}

// Backoff returns the delay before retry n (n >= 1), before jitter.
func Backoff(cfg RetryConfig, n int) time.Duration {
	if n < 1 || cfg.BaseDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(mult, float64(n-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Executor struct {
	log     zerolog.Logger
	sink    Escalator
	metrics *metrics.Metrics
	now     func() time.Time

	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

func NewExecutor(log zerolog.Logger, sink Escalator, m *metrics.Metrics) *Executor {
	return &Executor{
		log:     log,
		sink:    sink,
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
		jitter:  func() float64 { return 0.5 + rand.Float64()*0.5 },
	}
}

// Execute runs op until it succeeds or cfg.MaxRetries retries are spent.
//
// On exhaustion a customer-facing caller gets a fallback and a nil error;
// everyone else gets the last error. Context cancellation is always
// returned as an error.
func Execute[T any](
	ctx context.Context,
	e *Executor,
	ec ErrorContext,
	cfg RetryConfig,
	op func(context.Context) (T, error),
) (T, *FallbackResponse, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.Retry(ec.Operation)
			if err := e.sleep(ctx, e.delay(cfg, attempt)); err != nil {
				return zero, nil, err
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, nil, ctx.Err()
		}

		e.log.Warn().
			Err(err).
			Str("module", ec.Module).
			Str("operation", ec.Operation).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxRetries+1).
			Msg("attempt failed")

		if !cfg.RetryValidation && shortCircuits(err) {
			break
		}
	}

	kind := Classify(lastErr)
	e.log.Error().
		Err(lastErr).
		Str("module", ec.Module).
		Str("operation", ec.Operation).
		Str("kind", string(kind)).
		Msg("operation failed")

	if !ec.CustomerFacing {
		return zero, nil, lastErr
	}

	fb := Fallback(kind)
	if fb.EscalateToHuman {
		e.Escalate(ctx, ec, lastErr)
	}
	return zero, &fb, nil
}

// Escalate records err for a human agent. Sink failures are logged only.
func (e *Executor) Escalate(ctx context.Context, ec ErrorContext, err error) {
	kind := Classify(err)
	entry := model.EscalationEntry{
		ID:        uuid.NewString(),
		Module:    ec.Module,
		Operation: ec.Operation,
		Recipient: ec.Recipient,
		Kind:      string(kind),
		Error:     err.Error(),
		CreatedAt: e.now().UTC(),
	}

	e.metrics.Escalated(string(kind))
	if e.sink == nil {
		e.log.Warn().Str("escalation_id", entry.ID).Msg("no escalation sink configured")
		return
	}
	if serr := e.sink.Escalate(ctx, entry); serr != nil {
		e.log.Error().Err(serr).Str("escalation_id", entry.ID).Msg("escalation write failed")
	}
}

func (e *Executor) delay(cfg RetryConfig, n int) time.Duration {
	d := Backoff(cfg, n)
	if cfg.Jitter {
		d = time.Duration(float64(d) * e.jitter())
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
