package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/outbound-dispatch/internal/client"
	"github.com/LeventeLantos/outbound-dispatch/internal/engine"
	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo/repotest"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

var tickNow = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type recordingExecutor struct {
	mu        sync.Mutex
	campaigns []int64
	messages  []int64
	err       error
	block     chan struct{}
}

func (r *recordingExecutor) ExecuteCampaign(_ context.Context, id int64, _ engine.Options) (model.ExecutionLog, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = append(r.campaigns, id)
	return model.ExecutionLog{}, r.err
}

func (r *recordingExecutor) ExecuteScheduledMessage(_ context.Context, id int64, _ engine.Options) (model.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, id)
	return model.ExecutionLog{}, r.err
}

func (r *recordingExecutor) executedCampaigns() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.campaigns...)
}

func newDispatcher(store Store, exec Executor) *Dispatcher {
	d := NewDispatcher(store, exec, engine.Options{ClaimTTL: 10 * time.Minute}, zerolog.Nop(), nil)
	d.now = func() time.Time { return tickNow }
	return d
}

func TestDispatcher_ExecutesOnlyDueWork(t *testing.T) {
	store := repotest.NewMemory()
	due := store.PutCampaign(model.Campaign{
		Status: model.CampaignScheduled, StartsAt: tickNow.Add(-time.Hour), EndsAt: tickNow.Add(time.Hour),
	})
	store.PutCampaign(model.Campaign{
		Status: model.CampaignScheduled, StartsAt: tickNow.Add(time.Hour), EndsAt: tickNow.Add(2 * time.Hour),
	})
	store.PutCampaign(model.Campaign{
		Status: model.CampaignCancelled, StartsAt: tickNow.Add(-time.Hour), EndsAt: tickNow.Add(time.Hour),
	})
	store.PutCampaign(model.Campaign{
		Status: model.CampaignScheduled, StartsAt: tickNow.Add(-2 * time.Hour), EndsAt: tickNow,
	})

	dueMsg := store.PutScheduled(model.ScheduledMessage{Status: model.ScheduledPending, SendAt: tickNow, RepeatType: model.RepeatNone})
	store.PutScheduled(model.ScheduledMessage{Status: model.ScheduledPending, SendAt: tickNow.Add(time.Minute), RepeatType: model.RepeatNone})
	store.PutScheduled(model.ScheduledMessage{Status: model.ScheduledSent, SendAt: tickNow.Add(-time.Minute), RepeatType: model.RepeatNone})

	exec := &recordingExecutor{}
	newDispatcher(store, exec).Tick(context.Background())

	assert.Equal(t, []int64{due}, exec.campaigns)
	assert.Equal(t, []int64{dueMsg}, exec.messages)
}

func TestDispatcher_StaleClaimIsPickedUpAgain(t *testing.T) {
	store := repotest.NewMemory()
	fresh := tickNow.Add(-time.Minute)
	stale := tickNow.Add(-time.Hour)
	store.PutScheduled(model.ScheduledMessage{Status: model.ScheduledPending, SendAt: tickNow, ClaimedAt: &fresh, RepeatType: model.RepeatNone})
	staleID := store.PutScheduled(model.ScheduledMessage{Status: model.ScheduledPending, SendAt: tickNow, ClaimedAt: &stale, RepeatType: model.RepeatNone})

	exec := &recordingExecutor{}
	newDispatcher(store, exec).Tick(context.Background())

	assert.Equal(t, []int64{staleID}, exec.messages)
}

func TestDispatcher_ExecutionErrorsDoNotEscape(t *testing.T) {
	store := repotest.NewMemory()
	store.PutCampaign(model.Campaign{Status: model.CampaignScheduled, StartsAt: tickNow.Add(-time.Hour), EndsAt: tickNow.Add(time.Hour)})
	store.PutCampaign(model.Campaign{Status: model.CampaignScheduled, StartsAt: tickNow.Add(-time.Hour), EndsAt: tickNow.Add(time.Hour)})

	exec := &recordingExecutor{err: errors.New("boom")}
	newDispatcher(store, exec).Tick(context.Background())

	assert.Len(t, exec.campaigns, 2, "one failure does not stop the rest")
}

func TestDispatcher_StoreErrorIsSwallowed(t *testing.T) {
	store := repotest.NewMemory()
	store.Err = errors.New("connection refused")

	exec := &recordingExecutor{}
	assert.NotPanics(t, func() { newDispatcher(store, exec).Tick(context.Background()) })
	assert.Empty(t, exec.campaigns)
}

func TestDispatcher_SkipsJobStillInFlight(t *testing.T) {
	store := repotest.NewMemory()
	store.PutCampaign(model.Campaign{Status: model.CampaignScheduled, StartsAt: tickNow.Add(-time.Hour), EndsAt: tickNow.Add(time.Hour)})

	exec := &recordingExecutor{block: make(chan struct{})}
	d := newDispatcher(store, exec)

	first := make(chan struct{})
	go func() {
		defer close(first)
		d.Tick(context.Background())
	}()
	require.Eventually(t, d.campaignsBusy.Load, time.Second, time.Millisecond)

	// The second tick must not start another campaign run.
	d.Tick(context.Background())

	close(exec.block)
	<-first
	assert.Len(t, exec.executedCampaigns(), 1)
}

func TestDispatcher_CreatesWeeklyOccurrenceOnce(t *testing.T) {
	store := repotest.NewMemory()
	sendAt := tickNow.Add(-8 * 24 * time.Hour)
	parent := store.PutScheduled(model.ScheduledMessage{
		Recipients: []string{"+3611111111"},
		Body:       "weekly standup",
		SendAt:     sendAt,
		RepeatType: model.RepeatWeekly,
		Status:     model.ScheduledSent,
	})

	d := newDispatcher(store, &recordingExecutor{})
	d.Tick(context.Background())
	d.Tick(context.Background())

	all := store.AllScheduled()
	require.Len(t, all, 2)

	child := all[1]
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent, *child.ParentID)
	assert.Equal(t, sendAt.Add(7*24*time.Hour), child.SendAt)
	assert.Equal(t, model.ScheduledPending, child.Status)
	assert.Equal(t, model.RepeatWeekly, child.RepeatType)
	assert.Equal(t, "weekly standup", child.Body)
}

func TestDispatcher_RecurrenceWaitsUntilDue(t *testing.T) {
	store := repotest.NewMemory()
	store.PutScheduled(model.ScheduledMessage{
		Body:       "daily",
		SendAt:     tickNow.Add(-12 * time.Hour),
		RepeatType: model.RepeatDaily,
		Status:     model.ScheduledSent,
	})
	store.PutScheduled(model.ScheduledMessage{
		Body:       "failed weekly",
		SendAt:     tickNow.Add(-30 * 24 * time.Hour),
		RepeatType: model.RepeatWeekly,
		Status:     model.ScheduledFailed,
	})

	newDispatcher(store, &recordingExecutor{}).Tick(context.Background())

	assert.Len(t, store.AllScheduled(), 2)
}

type okChannel struct{}

func (okChannel) SendBatch(_ context.Context, msgs []client.OutboundMessage) ([]client.Result, error) {
	out := make([]client.Result, len(msgs))
	for i, m := range msgs {
		out[i] = client.Result{Recipient: m.Recipient, MessageID: "m-" + m.Recipient}
	}
	return out, nil
}

func TestDispatcher_WithEngine(t *testing.T) {
	store := repotest.NewMemory()
	now := time.Now().UTC()
	id := store.PutCampaign(model.Campaign{
		Name:     "flash",
		Audience: []string{"+3611111111", "+3622222222"},
		Template: "hello",
		StartsAt: now.Add(-time.Minute),
		EndsAt:   now.Add(time.Hour),
		Status:   model.CampaignScheduled,
	})

	opts := engine.Options{BatchSize: 50, MaxRetries: 1}
	eng := engine.New(store, okChannel{}, resilience.NewExecutor(zerolog.Nop(), nil, nil), zerolog.Nop(), nil, opts)
	d := NewDispatcher(store, eng, eng.Defaults(), zerolog.Nop(), nil)

	d.Tick(context.Background())
	d.Tick(context.Background())

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 2, c.Metrics.Sent, "a completed campaign is not picked up again")
	assert.Len(t, store.Logs(), 1)
}
