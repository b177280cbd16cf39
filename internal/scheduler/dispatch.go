package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/outbound-dispatch/internal/engine"
	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
)

type Executor interface {
	ExecuteCampaign(ctx context.Context, id int64, opts engine.Options) (model.ExecutionLog, error)
	ExecuteScheduledMessage(ctx context.Context, id int64, opts engine.Options) (model.ExecutionLog, error)
}

type Store interface {
	repo.CampaignRepository
	repo.ScheduledRepository
}

const (
	jobCampaigns  = "campaigns"
	jobMessages   = "messages"
	jobRecurrence = "recurrence"
)

// Dispatcher is the scheduler tick: it hands due work to the engine and
// materializes the next occurrence of recurring messages.
type Dispatcher struct {
	store   Store
	exec    Executor
	opts    engine.Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	campaignsBusy  atomic.Bool
	messagesBusy   atomic.Bool
	recurrenceBusy atomic.Bool
}

func NewDispatcher(store Store, exec Executor, opts engine.Options, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		exec:    exec,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Tick runs the three jobs concurrently. A job still running from an
// earlier tick is skipped. Nothing escapes: errors and panics are logged.
func (d *Dispatcher) Tick(ctx context.Context) {
	var g errgroup.Group

	g.Go(func() error {
		d.run(&d.campaignsBusy, jobCampaigns, func() error { return d.dueCampaigns(ctx) })
		return nil
	})
	g.Go(func() error {
		d.run(&d.messagesBusy, jobMessages, func() error { return d.dueMessages(ctx) })
		return nil
	})
	g.Go(func() error {
		d.run(&d.recurrenceBusy, jobRecurrence, func() error { return d.recurrences(ctx) })
		return nil
	})

	_ = g.Wait()
}

func (d *Dispatcher) run(busy *atomic.Bool, job string, fn func() error) {
	if !busy.CompareAndSwap(false, true) {
		d.log.Debug().Str("job", job).Msg("previous run still in flight, skipping")
		d.metrics.SchedulerJob(job, "skipped")
		return
	}
	defer busy.Store(false)

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("job", job).Interface("panic", r).Msg("scheduler job panic recovered")
			d.metrics.SchedulerJob(job, "panic")
		}
	}()

	if err := fn(); err != nil {
		d.log.Error().Err(err).Str("job", job).Msg("scheduler job failed")
		d.metrics.SchedulerJob(job, "error")
		return
	}
	d.metrics.SchedulerJob(job, "ok")
}

func (d *Dispatcher) dueCampaigns(ctx context.Context) error {
	campaigns, err := d.store.DueCampaigns(ctx, d.now().UTC())
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}

	var failed int
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return nil
		}
		// Executions are not cancelled mid-flight; a stop only prevents new ones.
		_, err := d.exec.ExecuteCampaign(context.WithoutCancel(ctx), c.ID, d.opts)
		if d.outcome(err, "campaign_id", c.ID) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d campaigns failed", failed, len(campaigns))
	}
	return nil
}

func (d *Dispatcher) dueMessages(ctx context.Context) error {
	now := d.now().UTC()
	msgs, err := d.store.DueScheduled(ctx, now, now.Add(-d.opts.ClaimTTL))
	if err != nil {
		return fmt.Errorf("list due messages: %w", err)
	}

	var failed int
	for _, m := range msgs {
		if ctx.Err() != nil {
			return nil
		}
		_, err := d.exec.ExecuteScheduledMessage(context.WithoutCancel(ctx), m.ID, d.opts)
		if d.outcome(err, "scheduled_message_id", m.ID) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scheduled messages failed", failed, len(msgs))
	}
	return nil
}

// outcome logs an execution error and reports whether it counts as a failure.
func (d *Dispatcher) outcome(err error, key string, id int64) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, engine.ErrAlreadyClaimed):
		d.log.Debug().Int64(key, id).Msg("claimed elsewhere, skipping")
		return false
	default:
		d.log.Error().Err(err).Int64(key, id).Msg("execution failed")
		return true
	}
}

// recurrences adds the next occurrence for every sent repeating message
// whose next send time has arrived.
func (d *Dispatcher) recurrences(ctx context.Context) error {
	candidates, err := d.store.RecurrenceCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list recurrence candidates: %w", err)
	}

	now := d.now().UTC()
	var errs []error
	for _, m := range candidates {
		next, err := m.NextOccurrence()
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", m.ID, err))
			continue
		}
		if next.SendAt.After(now) {
			continue
		}

		id, created, err := d.store.InsertOccurrence(ctx, next)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert occurrence of %d: %w", m.ID, err))
			continue
		}
		if created {
			d.log.Info().
				Int64("parent_id", m.ID).
				Int64("scheduled_message_id", id).
				Time("send_at", next.SendAt).
				Str("repeat", string(m.RepeatType)).
				Msg("next occurrence scheduled")
		}
	}
	return errors.Join(errs...)
}
