// Package engine expands campaigns and scheduled messages into per-recipient
// messages and pushes them to the channel in sequential batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/outbound-dispatch/internal/client"
	"github.com/LeventeLantos/outbound-dispatch/internal/metrics"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

var (
	ErrValidation     = errors.New("execution validation failed")
	ErrAlreadyClaimed = errors.New("already claimed by another execution")
)

// BatchSender delivers a batch and reports one result per message, in order.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []client.OutboundMessage) ([]client.Result, error)
}

type Store interface {
	repo.CampaignRepository
	repo.ScheduledRepository
	repo.ExecutionLogRepository
}

type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	// MaxRetries is the number of attempts per batch.
	MaxRetries int
	RetryDelay time.Duration
	// ClaimTTL is how long a scheduled message claim blocks other executions.
	ClaimTTL     time.Duration
	ReceiptDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    50,
		BatchDelay:   2 * time.Second,
		MaxRetries:   3,
		RetryDelay:   5 * time.Second,
		ClaimTTL:     10 * time.Minute,
		ReceiptDelay: 5 * time.Second,
	}
}

// ManualOptions trades rate-limit headroom for a quicker operator resend.
func ManualOptions() Options {
	o := DefaultOptions()
	o.BatchDelay = 500 * time.Millisecond
	o.MaxRetries = 2
	o.RetryDelay = time.Second
	return o
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	o.BatchDelay = max(o.BatchDelay, 0)
	o.RetryDelay = max(o.RetryDelay, 0)
	o.ReceiptDelay = max(o.ReceiptDelay, 0)
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultOptions().ClaimTTL
	}
	return o
}

type Engine struct {
	store    Store
	sender   BatchSender
	exec     *resilience.Executor
	receipts *SimulatedReceipts
	log      zerolog.Logger
	metrics  *metrics.Metrics

	defaults Options
	manual   Options

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	pending sync.WaitGroup
}

func New(store Store, sender BatchSender, exec *resilience.Executor, log zerolog.Logger, m *metrics.Metrics, opts Options) *Engine {
	manual := ManualOptions()
	manual.ClaimTTL = opts.ClaimTTL
	manual.ReceiptDelay = opts.ReceiptDelay

	return &Engine{
		store:    store,
		sender:   sender,
		exec:     exec,
		log:      log,
		metrics:  m,
		defaults: opts.normalized(),
		manual:   manual.normalized(),
		now:      time.Now,
		sleep:    sleep,
	}
}

func (e *Engine) WithManualOptions(o Options) *Engine {
	e.manual = o.normalized()
	return e
}

// WithSimulatedReceipts turns on estimated delivery metrics for campaigns.
func (e *Engine) WithSimulatedReceipts(r *SimulatedReceipts) *Engine {
	e.receipts = r
	return e
}

func (e *Engine) Defaults() Options { return e.defaults }

// Wait blocks until pending receipt simulations are written.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// TriggerCampaignExecution runs an operator-initiated send. It does not
// check the campaign status, so a completed campaign is sent again.
func (e *Engine) TriggerCampaignExecution(ctx context.Context, id int64) (model.ExecutionLog, error) {
	return e.ExecuteCampaign(ctx, id, e.manual)
}

func (e *Engine) TriggerMessageExecution(ctx context.Context, id int64) (model.ExecutionLog, error) {
	return e.ExecuteScheduledMessage(ctx, id, e.manual)
}

// ExecuteCampaign sends a campaign to its valid recipients. A returned log
// with a nil error means the execution ran to the end, even if every batch
// failed.
func (e *Engine) ExecuteCampaign(ctx context.Context, id int64, opts Options) (model.ExecutionLog, error) {
	opts = opts.normalized()
	start := e.now()
	entry := model.ExecutionLog{Kind: model.KindCampaign, TargetID: id, ExecutedAt: start.UTC()}
	log := e.log.With().Int64("campaign_id", id).Logger()

	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return entry, fmt.Errorf("load campaign %d: %w", id, err)
	}

	valid, invalid := model.SplitRecipients(c.Audience)
	if reason := campaignProblem(c, valid); reason != "" {
		if err := e.store.FinishCampaign(ctx, id, model.CampaignCancelled, 0, 0); err != nil {
			log.Error().Err(err).Msg("cancel invalid campaign failed")
		}
		entry.Status = "failed"
		entry.AddError(reason)
		e.finish(ctx, &entry, start)
		return entry, fmt.Errorf("%w: campaign %d: %s", ErrValidation, id, reason)
	}

	if c.Status == model.CampaignScheduled {
		ok, err := e.store.ClaimCampaign(ctx, id)
		if err != nil {
			return e.claimFailed(ctx, &entry, start, fmt.Errorf("claim campaign %d: %w", id, err))
		}
		if !ok {
			return entry, fmt.Errorf("campaign %d: %w", id, ErrAlreadyClaimed)
		}
	}

	if len(invalid) > 0 {
		log.Warn().Int("skipped", len(invalid)).Msg("invalid recipients skipped")
	}

	msgs := make([]client.OutboundMessage, 0, len(valid))
	for _, r := range valid {
		msgs = append(msgs, client.OutboundMessage{
			Recipient: r,
			Body:      render(c.Template, c.Variables, r),
			Variables: c.Variables,
			MediaURL:  c.MediaURL,
		})
	}

	_ = e.dispatch(ctx, model.KindCampaign, msgs, opts, &entry, nil)

	status := model.CampaignCancelled
	if entry.MessagesSent > 0 {
		status = model.CampaignCompleted
	}
	if err := e.store.FinishCampaign(ctx, id, status, entry.MessagesSent, entry.MessagesFailed); err != nil {
		log.Error().Err(err).Msg("update campaign status failed")
	}
	entry.Status = string(status)
	e.finish(ctx, &entry, start)

	if entry.MessagesSent > 0 && e.receipts != nil {
		e.simulateReceipts(id, entry.MessagesSent, opts.ReceiptDelay)
	}

	log.Info().
		Str("status", entry.Status).
		Int("sent", entry.MessagesSent).
		Int("failed", entry.MessagesFailed).
		Dur("duration", entry.Duration).
		Msg("campaign executed")
	return entry, nil
}

// ExecuteScheduledMessage sends one scheduled message. The final status is
// sent when at least one recipient was accepted, failed otherwise.
func (e *Engine) ExecuteScheduledMessage(ctx context.Context, id int64, opts Options) (model.ExecutionLog, error) {
	opts = opts.normalized()
	start := e.now()
	entry := model.ExecutionLog{Kind: model.KindMessage, TargetID: id, ExecutedAt: start.UTC()}
	log := e.log.With().Int64("scheduled_message_id", id).Logger()

	m, err := e.store.GetScheduled(ctx, id)
	if err != nil {
		return entry, fmt.Errorf("load scheduled message %d: %w", id, err)
	}

	valid, invalid := model.SplitRecipients(m.Recipients)
	if reason := scheduledProblem(m, valid); reason != "" {
		if err := e.store.FinishScheduled(ctx, id, model.ScheduledFailed, nil); err != nil {
			log.Error().Err(err).Msg("fail invalid message failed")
		}
		entry.Status = string(model.ScheduledFailed)
		entry.AddError(reason)
		e.finish(ctx, &entry, start)
		return entry, fmt.Errorf("%w: scheduled message %d: %s", ErrValidation, id, reason)
	}

	var renew func(context.Context) error
	if m.Status == model.ScheduledPending {
		// Postgres keeps microseconds; RefreshClaim compares held exactly.
		held := e.now().UTC().Truncate(time.Microsecond)
		ok, err := e.store.ClaimScheduled(ctx, id, held, held.Add(-opts.ClaimTTL))
		if err != nil {
			return e.claimFailed(ctx, &entry, start, fmt.Errorf("claim scheduled message %d: %w", id, err))
		}
		if !ok {
			return entry, fmt.Errorf("scheduled message %d: %w", id, ErrAlreadyClaimed)
		}

		renew = func(ctx context.Context) error {
			at := e.now().UTC().Truncate(time.Microsecond)
			ok, err := e.store.RefreshClaim(ctx, id, held, at)
			switch {
			case err != nil:
				// The claim stays ours until it goes stale.
				log.Warn().Err(err).Msg("claim refresh failed")
				return nil
			case !ok:
				return fmt.Errorf("scheduled message %d: %w", id, ErrAlreadyClaimed)
			}
			held = at
			return nil
		}
	}

	if len(invalid) > 0 {
		log.Warn().Int("skipped", len(invalid)).Msg("invalid recipients skipped")
	}

	msgs := make([]client.OutboundMessage, 0, len(valid))
	for _, r := range valid {
		msgs = append(msgs, client.OutboundMessage{Recipient: r, Body: m.Body, MediaURL: m.MediaURL})
	}

	if err := e.dispatch(ctx, model.KindMessage, msgs, opts, &entry, renew); err != nil {
		entry.Status = "claim_lost"
		e.finish(ctx, &entry, start)
		log.Warn().
			Int("sent", entry.MessagesSent).
			Int("failed", entry.MessagesFailed).
			Msg("claim lost mid-run, remaining batches left to the new owner")
		return entry, err
	}

	status := model.ScheduledFailed
	var sentAt *time.Time
	if entry.MessagesSent > 0 {
		status = model.ScheduledSent
		t := e.now().UTC()
		sentAt = &t
	}
	if err := e.persist(ctx, "finish_scheduled", opts, func(ctx context.Context) error {
		return e.store.FinishScheduled(ctx, id, status, sentAt)
	}); err != nil {
		log.Error().Err(err).Msg("update scheduled message status failed")
	}
	entry.Status = string(status)
	e.finish(ctx, &entry, start)

	log.Info().
		Str("status", entry.Status).
		Int("sent", entry.MessagesSent).
		Int("failed", entry.MessagesFailed).
		Msg("scheduled message executed")
	return entry, nil
}

// dispatch sends msgs in sequential batches. A batch whose attempts are all
// spent counts as failed in full and the next batch still goes out.
//
// renew, when set, runs before every batch after the first. An error from it
// stops the run and is returned; the unsent rest counts as failed.
func (e *Engine) dispatch(ctx context.Context, kind model.ExecutionKind, msgs []client.OutboundMessage, opts Options, entry *model.ExecutionLog, renew func(context.Context) error) error {
	retry := resilience.FixedRetryConfig(opts.MaxRetries, opts.RetryDelay)
	ec := resilience.ErrorContext{Module: "engine", Operation: string(kind) + "_batch"}

	for i, start := 0, 0; start < len(msgs); i, start = i+1, start+opts.BatchSize {
		batch := msgs[start:min(start+opts.BatchSize, len(msgs))]

		if i > 0 {
			if err := e.sleep(ctx, opts.BatchDelay); err != nil {
				rest := len(msgs) - start
				entry.MessagesFailed += rest
				entry.AddError(fmt.Sprintf("aborted before batch %d: %v", i+1, err))
				return nil
			}
			if renew != nil {
				if err := renew(ctx); err != nil {
					entry.MessagesFailed += len(msgs) - start
					entry.AddError(fmt.Sprintf("stopped before batch %d: %v", i+1, err))
					return err
				}
			}
		}

		results, _, err := resilience.Execute(ctx, e.exec, ec, retry, func(ctx context.Context) ([]client.Result, error) {
			return e.sender.SendBatch(ctx, batch)
		})
		if err != nil {
			entry.MessagesFailed += len(batch)
			entry.AddError(fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}

		for _, r := range results {
			if r.Err != nil {
				entry.MessagesFailed++
				entry.AddError(fmt.Sprintf("%s: %v", r.Recipient, r.Err))
				continue
			}
			entry.MessagesSent++
		}
	}
	return nil
}

// claimFailed records a run that could not take its claim because the store
// errored.
func (e *Engine) claimFailed(ctx context.Context, entry *model.ExecutionLog, start time.Time, err error) (model.ExecutionLog, error) {
	entry.Status = "failed"
	entry.AddError(err.Error())
	e.finish(ctx, entry, start)
	return *entry, err
}

// persist retries an idempotent status write. A scheduled row left
// unfinished after a send is picked up again once its claim goes stale.
func (e *Engine) persist(ctx context.Context, op string, opts Options, fn func(context.Context) error) error {
	ec := resilience.ErrorContext{Module: "engine", Operation: op}
	retry := resilience.FixedRetryConfig(opts.MaxRetries, opts.RetryDelay)
	_, _, err := resilience.Execute(ctx, e.exec, ec, retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// finish stamps the duration and appends the log. A failed append is logged
// and otherwise ignored.
func (e *Engine) finish(ctx context.Context, entry *model.ExecutionLog, start time.Time) {
	entry.Duration = e.now().Sub(start)
	if err := e.store.AppendExecutionLog(ctx, *entry); err != nil {
		e.log.Error().Err(err).
			Str("kind", string(entry.Kind)).
			Int64("target_id", entry.TargetID).
			Msg("append execution log failed")
	}
	e.metrics.Execution(string(entry.Kind), entry.Status, entry.MessagesSent, entry.MessagesFailed, entry.Duration.Seconds())
}

func (e *Engine) simulateReceipts(id int64, sent int, delay time.Duration) {
	delivered, opened, clicked := e.receipts.Estimate(sent)

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		ctx := context.Background()
		_ = e.sleep(ctx, delay)
		if err := e.store.AddCampaignReceipts(ctx, id, delivered, opened, clicked); err != nil {
			e.log.Error().Err(err).Int64("campaign_id", id).Msg("store simulated receipts failed")
			return
		}
		e.log.Debug().
			Bool("simulated", true).
			Int64("campaign_id", id).
			Int("delivered", delivered).
			Int("opened", opened).
			Int("clicked", clicked).
			Msg("receipts recorded")
	}()
}

func campaignProblem(c model.Campaign, valid []string) string {
	switch {
	case len(c.Audience) == 0:
		return "audience is empty"
	case strings.TrimSpace(c.Template) == "":
		return "template is empty"
	case len(valid) == 0:
		return "audience has no valid recipients"
	}
	return ""
}

func scheduledProblem(m model.ScheduledMessage, valid []string) string {
	switch {
	case len(m.Recipients) == 0:
		return "recipients are empty"
	case strings.TrimSpace(m.Body) == "":
		return "body is empty"
	case len(valid) == 0:
		return "no valid recipients"
	}
	return ""
}

// render fills {name} placeholders. {recipient} always resolves to the
// address being sent to.
func render(tmpl string, vars map[string]string, recipient string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(vars)+2)
	pairs = append(pairs, "{recipient}", recipient)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
