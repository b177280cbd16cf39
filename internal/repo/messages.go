package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

var ErrNotFound = errors.New("not found")

// QueueRepository persists the outbound queue.
type QueueRepository interface {
	Insert(ctx context.Context, m model.QueuedMessage) (int64, error)
	// ClaimReady moves up to limit pending rows with scheduled_at <= now to
	// processing and returns them ordered by priority desc, created_at asc.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]model.QueuedMessage, error)
	MarkCompleted(ctx context.Context, id int64, remoteMessageID string, sentAt time.Time) error
	Reschedule(ctx context.Context, id int64, retryCount int, at time.Time, reason string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	// Cancel reports false when the row is missing or no longer pending.
	Cancel(ctx context.Context, id int64) (bool, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
	// RequeueStale handles processing rows not touched since before, left by
	// a pass that died mid-batch. Rows with retries left go back to pending
	// with retry_count+1; the rest fail.
	RequeueStale(ctx context.Context, before time.Time, reason string) (int64, error)
	ListCompleted(ctx context.Context, limit, offset int) ([]model.QueuedMessage, error)
}

type CampaignRepository interface {
	CreateCampaign(ctx context.Context, c model.Campaign) (int64, error)
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	DueCampaigns(ctx context.Context, now time.Time) ([]model.Campaign, error)
	// ClaimCampaign flips scheduled to active. False means someone else
	// got there first or the campaign is not scheduled.
	ClaimCampaign(ctx context.Context, id int64) (bool, error)
	// FinishCampaign sets the final status and adds sent/failed to the
	// cumulative metrics.
	FinishCampaign(ctx context.Context, id int64, status model.CampaignStatus, sent, failed int) error
	AddCampaignReceipts(ctx context.Context, id int64, delivered, opened, clicked int) error
}

type ScheduledRepository interface {
	CreateScheduled(ctx context.Context, m model.ScheduledMessage) (int64, error)
	GetScheduled(ctx context.Context, id int64) (model.ScheduledMessage, error)
	// DueScheduled returns scheduled rows with send_at <= now that are
	// unclaimed or whose claim is older than staleBefore.
	DueScheduled(ctx context.Context, now, staleBefore time.Time) ([]model.ScheduledMessage, error)
	ClaimScheduled(ctx context.Context, id int64, at, staleBefore time.Time) (bool, error)
	// RefreshClaim moves claimed_at from held to at. False means the claim
	// was taken over or the row is no longer scheduled.
	RefreshClaim(ctx context.Context, id int64, held, at time.Time) (bool, error)
	FinishScheduled(ctx context.Context, id int64, status model.ScheduledStatus, sentAt *time.Time) error
	// RecurrenceCandidates returns sent, repeating rows without a child.
	RecurrenceCandidates(ctx context.Context) ([]model.ScheduledMessage, error)
	// InsertOccurrence adds m unless its parent already has a child, in
	// which case created is false.
	InsertOccurrence(ctx context.Context, m model.ScheduledMessage) (id int64, created bool, err error)
}

type ExecutionLogRepository interface {
	AppendExecutionLog(ctx context.Context, l model.ExecutionLog) error
}

// Store is everything the pipeline persists.
type Store interface {
	QueueRepository
	CampaignRepository
	ScheduledRepository
	ExecutionLogRepository
}
