package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

const scheduledColumns = `id, account_id, recipients, body, media_url, send_at, repeat_type, status,
	parent_id, claimed_at, sent_at, created_at, updated_at`

func scanScheduled(row pgx.Row) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var repeat, status string

	err := row.Scan(
		&m.ID,
		&m.AccountID,
		&m.Recipients,
		&m.Body,
		&m.MediaURL,
		&m.SendAt,
		&repeat,
		&status,
		&m.ParentID,
		&m.ClaimedAt,
		&m.SentAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	m.RepeatType = model.RepeatType(repeat)
	m.Status = model.ScheduledStatus(status)
	return m, err
}

func (p *Postgres) queryScheduled(ctx context.Context, sql string, args ...any) ([]model.ScheduledMessage, error) {
	return resilience.Call(p.breaker, func() ([]model.ScheduledMessage, error) {
		rows, err := p.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.ScheduledMessage
		for rows.Next() {
			m, err := scanScheduled(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
}

func (p *Postgres) CreateScheduled(ctx context.Context, m model.ScheduledMessage) (int64, error) {
	id, _, err := p.insertScheduled(ctx, m, false)
	return id, err
}

func (p *Postgres) InsertOccurrence(ctx context.Context, m model.ScheduledMessage) (int64, bool, error) {
	if m.ParentID == nil {
		return 0, false, errors.New("occurrence needs a parent")
	}
	return p.insertScheduled(ctx, m, true)
}

func (p *Postgres) insertScheduled(ctx context.Context, m model.ScheduledMessage, dedupe bool) (int64, bool, error) {
	if m.Recipients == nil {
		m.Recipients = []string{}
	}
	if m.RepeatType == "" {
		m.RepeatType = model.RepeatNone
	}
	if m.Status == "" {
		m.Status = model.ScheduledPending
	}

	sql := `
		INSERT INTO scheduled_messages
			(account_id, recipients, body, media_url, send_at, repeat_type, status, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if dedupe {
		sql += `
		ON CONFLICT (parent_id) WHERE parent_id IS NOT NULL DO NOTHING`
	}
	sql += `
		RETURNING id`

	res, err := resilience.Call(p.breaker, func() (found[int64], error) {
		var id int64
		err := p.pool.QueryRow(ctx, sql,
			m.AccountID, m.Recipients, m.Body, m.MediaURL, m.SendAt,
			string(m.RepeatType), string(m.Status), m.ParentID,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return found[int64]{}, nil
		}
		if err != nil {
			return found[int64]{}, err
		}
		return found[int64]{v: id, ok: true}, nil
	})
	if err != nil {
		return 0, false, err
	}
	return res.v, res.ok, nil
}

func (p *Postgres) GetScheduled(ctx context.Context, id int64) (model.ScheduledMessage, error) {
	return lookup(p, func() (found[model.ScheduledMessage], error) {
		m, err := scanScheduled(p.pool.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return found[model.ScheduledMessage]{}, nil
		}
		if err != nil {
			return found[model.ScheduledMessage]{}, err
		}
		return found[model.ScheduledMessage]{v: m, ok: true}, nil
	})
}

func (p *Postgres) DueScheduled(ctx context.Context, now, staleBefore time.Time) ([]model.ScheduledMessage, error) {
	return p.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE status = 'scheduled'
		  AND send_at <= $1
		  AND (claimed_at IS NULL OR claimed_at < $2)
		ORDER BY send_at ASC, id ASC
	`, now, staleBefore)
}

func (p *Postgres) ClaimScheduled(ctx context.Context, id int64, at, staleBefore time.Time) (bool, error) {
	tag, err := p.exec(ctx, `
		UPDATE scheduled_messages
		SET claimed_at = $2, updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND (claimed_at IS NULL OR claimed_at < $3)
	`, id, at, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) RefreshClaim(ctx context.Context, id int64, held, at time.Time) (bool, error) {
	tag, err := p.exec(ctx, `
		UPDATE scheduled_messages
		SET claimed_at = $3, updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND claimed_at = $2
	`, id, held, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FinishScheduled(ctx context.Context, id int64, status model.ScheduledStatus, sentAt *time.Time) error {
	_, err := p.exec(ctx, `
		UPDATE scheduled_messages
		SET status = $2, sent_at = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), sentAt)
	return err
}

func (p *Postgres) RecurrenceCandidates(ctx context.Context) ([]model.ScheduledMessage, error) {
	return p.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages s
		WHERE s.status = 'sent'
		  AND s.repeat_type <> 'none'
		  AND NOT EXISTS (SELECT 1 FROM scheduled_messages c WHERE c.parent_id = s.id)
		ORDER BY s.send_at ASC, s.id ASC
	`)
}
