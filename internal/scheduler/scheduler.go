// Package scheduler drives periodic work: a ticker loop plus the dispatcher
// that finds due campaigns, due messages and recurrences on every tick.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler calls tickFn every interval. Each tick runs on its own
// goroutine so a slow tick never delays the next one.
type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)
	log      zerolog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ticks  sync.WaitGroup
}

func New(interval time.Duration, tickFn func(context.Context), log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the loop until Stop is called or ctx is done. It returns false
// when the loop is already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

		s.spawn(loopCtx)

		for {
			select {
			case <-loopCtx.Done():
				s.log.Info().Msg("scheduler stopping")
				return
			case <-ticker.C:
				s.spawn(loopCtx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for in-flight ticks to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.ticks.Wait()
	s.running.Store(false)

	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		s.safeTick(ctx)
	}()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("scheduler tick panic recovered")
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug().Dur("duration", time.Since(start)).Msg("scheduler tick completed")
}
