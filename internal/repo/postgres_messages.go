package repo

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

const queueColumns = `id, recipient, body, origin, priority, type, metadata, retry_count, max_retries,
	scheduled_at, status, last_error, remote_message_id, sent_at, created_at, updated_at`

func scanQueued(row pgx.Row) (model.QueuedMessage, error) {
	var m model.QueuedMessage
	var origin, status string
	var priority int16

	err := row.Scan(
		&m.ID,
		&m.Recipient,
		&m.Body,
		&origin,
		&priority,
		&m.Type,
		&m.Metadata,
		&m.RetryCount,
		&m.MaxRetries,
		&m.ScheduledAt,
		&status,
		&m.LastError,
		&m.RemoteMessageID,
		&m.SentAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	m.Origin = model.Origin(origin)
	m.Priority = model.Priority(priority)
	m.Status = model.Status(status)
	return m, err
}

func collectQueued(rows pgx.Rows) ([]model.QueuedMessage, error) {
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		m, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) Insert(ctx context.Context, m model.QueuedMessage) (int64, error) {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return resilience.Call(p.breaker, func() (int64, error) {
		var id int64
		err := p.pool.QueryRow(ctx, `
			INSERT INTO message_queue
				(recipient, body, origin, priority, type, metadata, max_retries, scheduled_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
			RETURNING id
		`, m.Recipient, m.Body, string(m.Origin), int16(m.Priority), m.Type, m.Metadata, m.MaxRetries, m.ScheduledAt).Scan(&id)
		return id, err
	})
}

func (p *Postgres) ClaimReady(ctx context.Context, now time.Time, limit int) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	msgs, err := resilience.Call(p.breaker, func() ([]model.QueuedMessage, error) {
		rows, err := p.pool.Query(ctx, `
			UPDATE message_queue
			SET status = 'processing', updated_at = now()
			WHERE id IN (
				SELECT id
				FROM message_queue
				WHERE status = 'pending' AND scheduled_at <= $1
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+queueColumns, now, limit)
		if err != nil {
			return nil, err
		}
		return collectQueued(rows)
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order.
	slices.SortStableFunc(msgs, func(a, b model.QueuedMessage) int {
		if a.Priority != b.Priority {
			return int(b.Priority) - int(a.Priority)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return msgs, nil
}

func (p *Postgres) MarkCompleted(ctx context.Context, id int64, remoteMessageID string, sentAt time.Time) error {
	_, err := p.exec(ctx, `
		UPDATE message_queue
		SET status = 'completed',
		    sent_at = $3,
		    remote_message_id = $2,
		    last_error = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, remoteMessageID, sentAt)
	return err
}

func (p *Postgres) Reschedule(ctx context.Context, id int64, retryCount int, at time.Time, reason string) error {
	_, err := p.exec(ctx, `
		UPDATE message_queue
		SET status = 'pending',
		    retry_count = $2,
		    scheduled_at = $3,
		    last_error = $4,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, at, reason)
	return err
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := p.exec(ctx, `
		UPDATE message_queue
		SET status = 'failed',
		    last_error = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func (p *Postgres) Cancel(ctx context.Context, id int64) (bool, error) {
	tag, err := p.exec(ctx, `
		UPDATE message_queue
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.exec(ctx, `
		DELETE FROM message_queue
		WHERE status IN ('completed', 'failed') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) RequeueStale(ctx context.Context, before time.Time, reason string) (int64, error) {
	tag, err := p.exec(ctx, `
		UPDATE message_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    last_error = $2,
		    updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
	`, before, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListCompleted(ctx context.Context, limit, offset int) ([]model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	return resilience.Call(p.breaker, func() ([]model.QueuedMessage, error) {
		rows, err := p.pool.Query(ctx, `
			SELECT `+queueColumns+`
			FROM message_queue
			WHERE status = 'completed'
			ORDER BY sent_at DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
		if err != nil {
			return nil, err
		}
		return collectQueued(rows)
	})
}
