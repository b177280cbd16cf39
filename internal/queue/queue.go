package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/outbound-dispatch/internal/cache"
	"github.com/LeventeLantos/outbound-dispatch/internal/client"
	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrEmptyBody        = errors.New("message body is empty")
	ErrNotPending       = errors.New("message is not pending")
	ErrNegativeRetries  = errors.New("max retries must be >= 0")
)

type Config struct {
	Interval             time.Duration
	BatchSize            int
	MaxConcurrentBatches int
	// Parallelism bounds concurrent sends inside one batch.
	Parallelism   int
	RetryDelay    time.Duration
	MaxRetries    int
	Retention     time.Duration
	SweepSchedule string
	// ProcessingTimeout is how long a row may sit in processing before the
	// reaper treats its batch as lost.
	ProcessingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:             time.Second,
		BatchSize:            10,
		MaxConcurrentBatches: 3,
		Parallelism:          5,
		RetryDelay:           5 * time.Second,
		MaxRetries:           3,
		Retention:            7 * 24 * time.Hour,
		SweepSchedule:        "@hourly",
		ProcessingTimeout:    15 * time.Minute,
	}
}

type Sender interface {
	Send(ctx context.Context, msg client.OutboundMessage) (string, error)
}

type EnqueueRequest struct {
	Recipient string
	Body      string
	Origin    model.Origin
	Priority  model.Priority
	Type      string
	Metadata  map[string]string
	// ScheduledAt defaults to now.
	ScheduledAt time.Time
	// MaxRetries defaults to the queue setting when nil. A pointer to 0
	// means a single attempt.
	MaxRetries *int
}

// Queue is the durable outbound message queue and its dispatch loop.
type Queue struct {
	repo    repo.QueueRepository
	sender  Sender
	exec    *resilience.Executor
	cache   cache.MessageCache
	log     zerolog.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	inFlight atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	batchWG sync.WaitGroup
	cron    *cron.Cron
}

func New(r repo.QueueRepository, s Sender, exec *resilience.Executor, log zerolog.Logger, m *metrics.Metrics, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if cfg.MaxConcurrentBatches <= 0 {
		return nil, errors.New("max concurrent batches must be > 0")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = cfg.BatchSize
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries must be >= 0")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}

	return &Queue{
		repo:    r,
		sender:  s,
		exec:    exec,
		log:     log,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// WithCache stores remote message ids of delivered messages in c.
func (q *Queue) WithCache(c cache.MessageCache) *Queue {
	q.cache = c
	return q
}

// Enqueue persists a pending message and makes sure the loop is running.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if !model.ValidRecipient(req.Recipient) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.Recipient)
	}
	if req.Body == "" {
		return 0, ErrEmptyBody
	}

	m := model.QueuedMessage{
		Recipient:   req.Recipient,
		Body:        req.Body,
		Origin:      req.Origin,
		Priority:    req.Priority,
		Type:        req.Type,
		Metadata:    req.Metadata,
		MaxRetries:  q.cfg.MaxRetries,
		ScheduledAt: req.ScheduledAt,
	}
	if m.Origin == "" {
		m.Origin = model.OriginSystem
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return 0, ErrNegativeRetries
		}
		m.MaxRetries = *req.MaxRetries
	}
	if m.ScheduledAt.IsZero() {
		m.ScheduledAt = q.now().UTC()
	}

	id, err := q.repo.Insert(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	q.metrics.Enqueued(m.Priority.String())

	q.Start(context.WithoutCancel(ctx))
	return id, nil
}

// Cancel stops a pending message from being sent.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	ok, err := q.repo.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	q.metrics.QueueOutcome("cancelled")
	return nil
}

func (q *Queue) ListCompleted(ctx context.Context, limit, offset int) ([]model.QueuedMessage, error) {
	return q.repo.ListCompleted(ctx, limit, offset)
}

// Receipt looks up the cached delivery receipt of a completed message.
func (q *Queue) Receipt(ctx context.Context, id int64) (cache.Receipt, error) {
	if q.cache == nil {
		return cache.Receipt{}, cache.ErrMiss
	}
	return q.cache.GetSent(ctx, id)
}

// Start launches the dispatch loop and the retention sweep. It returns
// false if they are already running.
func (q *Queue) Start(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return false
	}

	sweep := cron.New(cron.WithLocation(time.UTC))
	if _, err := sweep.AddFunc(q.cfg.SweepSchedule, func() {
		if _, err := q.Sweep(ctx); err != nil {
			q.log.Error().Err(err).Msg("retention sweep failed")
		}
		if _, err := q.Reap(ctx); err != nil {
			q.log.Error().Err(err).Msg("stale processing reap failed")
		}
	}); err != nil {
		q.log.Error().Err(err).Str("schedule", q.cfg.SweepSchedule).Msg("invalid sweep schedule, sweep disabled")
	} else {
		sweep.Start()
		q.cron = sweep
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	q.loopWG.Add(1)
	go q.loop(loopCtx)

	q.log.Info().
		Dur("interval", q.cfg.Interval).
		Int("batch_size", q.cfg.BatchSize).
		Int("max_concurrent_batches", q.cfg.MaxConcurrentBatches).
		Msg("queue started")
	return true
}

// Stop halts polling and waits for in-flight batches to finish.
func (q *Queue) Stop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return false
	}

	q.cancel()
	q.loopWG.Wait()
	if q.cron != nil {
		<-q.cron.Stop().Done()
		q.cron = nil
	}
	q.batchWG.Wait()
	q.running = false

	q.log.Info().Msg("queue stopped")
	return true
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) loop(ctx context.Context) {
	defer q.loopWG.Done()

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	if _, err := q.Reap(ctx); err != nil {
		q.log.Error().Err(err).Msg("stale processing reap failed")
	}

	for {
		q.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll claims at most one batch when a slot is free.
func (q *Queue) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if int(q.inFlight.Load()) >= q.cfg.MaxConcurrentBatches {
		return
	}

	msgs, err := q.repo.ClaimReady(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error().Err(err).Msg("claim pending messages failed")
		}
		return
	}
	if len(msgs) == 0 {
		return
	}
	q.metrics.Claimed(len(msgs))

	q.inFlight.Add(1)
	q.batchWG.Add(1)
	q.metrics.BatchStarted()

	// A claimed batch runs to completion even if the loop is stopping.
	batchCtx := context.WithoutCancel(ctx)
	go func() {
		defer q.batchWG.Done()
		defer q.inFlight.Add(-1)
		defer q.metrics.BatchFinished()
		defer func() {
			if r := recover(); r != nil {
				q.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("queue batch panic recovered")
			}
		}()

		q.processBatch(batchCtx, msgs)
	}()
}

func (q *Queue) processBatch(ctx context.Context, msgs []model.QueuedMessage) {
	var g errgroup.Group
	g.SetLimit(q.cfg.Parallelism)

	for _, m := range msgs {
		g.Go(func() error {
			q.dispatch(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) dispatch(ctx context.Context, m model.QueuedMessage) {
	observe := q.metrics.SendTimer()
	remoteID, err := q.sender.Send(ctx, client.OutboundMessage{Recipient: m.Recipient, Body: m.Body})
	observe()

	log := q.log.With().Int64("message_id", m.ID).Str("priority", m.Priority.String()).Logger()

	if err == nil {
		sentAt := q.now().UTC()
		if err := q.repo.MarkCompleted(ctx, m.ID, remoteID, sentAt); err != nil {
			log.Error().Err(err).Msg("mark completed failed")
		}
		if q.cache != nil {
			if err := q.cache.StoreSent(ctx, m.ID, remoteID, sentAt); err != nil {
				log.Warn().Err(err).Msg("cache receipt failed")
			}
		}
		q.metrics.QueueOutcome("completed")
		return
	}

	if resilience.Retryable(err) && m.CanRetry() {
		delay := resilience.Backoff(resilience.RetryConfig{BaseDelay: q.cfg.RetryDelay, Multiplier: 2}, m.RetryCount+1)
		next := q.now().UTC().Add(delay)
		if rerr := q.repo.Reschedule(ctx, m.ID, m.RetryCount+1, next, err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("reschedule failed")
		}
		log.Warn().Err(err).Int("retry_count", m.RetryCount+1).Time("next_attempt", next).Msg("send failed, retrying later")
		q.metrics.QueueOutcome("retried")
		return
	}

	if ferr := q.repo.MarkFailed(ctx, m.ID, err.Error()); ferr != nil {
		log.Error().Err(ferr).Msg("mark failed failed")
	}
	log.Error().Err(err).Int("retry_count", m.RetryCount).Str("kind", string(resilience.Classify(err))).Msg("message failed permanently")
	q.metrics.QueueOutcome("failed")

	if m.Origin == model.OriginUser && q.exec != nil {
		q.exec.Escalate(ctx, resilience.ErrorContext{
			Module:         "queue",
			Operation:      "send",
			Recipient:      m.Recipient,
			CustomerFacing: true,
		}, err)
	}
}

// Sweep deletes completed and failed messages older than the retention window.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	n, err := q.repo.DeleteFinishedBefore(ctx, q.now().UTC().Add(-q.cfg.Retention))
	if err != nil {
		return 0, err
	}
	q.metrics.Swept(n)
	if n > 0 {
		q.log.Info().Int64("deleted", n).Msg("retention sweep")
	}
	return n, nil
}

// Reap releases rows stuck in processing longer than ProcessingTimeout,
// which only happens when the process died mid-batch.
func (q *Queue) Reap(ctx context.Context) (int64, error) {
	n, err := q.repo.RequeueStale(ctx, q.now().UTC().Add(-q.cfg.ProcessingTimeout), "processing timed out")
	if err != nil {
		return 0, err
	}
	for i := int64(0); i < n; i++ {
		q.metrics.QueueOutcome("reaped")
	}
	if n > 0 {
		q.log.Warn().Int64("reaped", n).Msg("released stale processing messages")
	}
	return n, nil
}
