package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
)

// ErrServiceUnavailable is returned without calling the dependency while
// its breaker is open, or while the half-open trial call is still in flight.
var ErrServiceUnavailable = errors.New("service unavailable")

const (
	DependencyChannel = "channel"
	DependencyStore   = "store"
)

type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// OpenDuration is how long the breaker stays open before a trial call.
	OpenDuration time.Duration
	// CountWindow clears closed-state counters periodically. Zero keeps them
	// until the next state change.
	CountWindow time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    5,
		OpenDuration: 30 * time.Second,
	}
}

// Breaker state lives in this process only. Instances behind a load
// balancer each track failures on their own.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig, log zerolog.Logger, m *metrics.Metrics) *Breaker {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 1
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.CountWindow,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			m.SetBreakerState(name, stateValue(to))
		},
	}

	m.SetBreakerState(name, stateValue(gobreaker.StateClosed))
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) Name() string { return b.name }

// State is one of "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Execute(fn func() error) error {
	_, err := Call(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call runs fn through the breaker and keeps its result type.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}

	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", b.name, ErrServiceUnavailable)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Breakers holds one breaker per external dependency for the process.
type Breakers struct {
	Channel *Breaker
	Store   *Breaker
}

func NewBreakers(cfg BreakerConfig, log zerolog.Logger, m *metrics.Metrics) *Breakers {
	return &Breakers{
		Channel: NewBreaker(DependencyChannel, cfg, log, m),
		Store:   NewBreaker(DependencyStore, cfg, log, m),
	}
}

func (b *Breakers) States() map[string]string {
	return map[string]string{
		b.Channel.Name(): b.Channel.State(),
		b.Store.Name():   b.Store.State(),
	}
}
