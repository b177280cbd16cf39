package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

const campaignColumns = `id, account_id, name, audience, template, variables, media_url, starts_at, ends_at,
	status, sent, delivered, opened, clicked, failed, created_at, updated_at`

func scanCampaign(row pgx.Row) (model.Campaign, error) {
	var c model.Campaign
	var status string

	err := row.Scan(
		&c.ID,
		&c.AccountID,
		&c.Name,
		&c.Audience,
		&c.Template,
		&c.Variables,
		&c.MediaURL,
		&c.StartsAt,
		&c.EndsAt,
		&status,
		&c.Metrics.Sent,
		&c.Metrics.Delivered,
		&c.Metrics.Opened,
		&c.Metrics.Clicked,
		&c.Metrics.Failed,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	c.Status = model.CampaignStatus(status)
	return c, err
}

func (p *Postgres) CreateCampaign(ctx context.Context, c model.Campaign) (int64, error) {
	if c.Variables == nil {
		c.Variables = map[string]string{}
	}
	if c.Audience == nil {
		c.Audience = []string{}
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}

	return resilience.Call(p.breaker, func() (int64, error) {
		var id int64
		err := p.pool.QueryRow(ctx, `
			INSERT INTO campaigns
				(account_id, name, audience, template, variables, media_url, starts_at, ends_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, c.AccountID, c.Name, c.Audience, c.Template, c.Variables, c.MediaURL, c.StartsAt, c.EndsAt, string(c.Status)).Scan(&id)
		return id, err
	})
}

func (p *Postgres) GetCampaign(ctx context.Context, id int64) (model.Campaign, error) {
	return lookup(p, func() (found[model.Campaign], error) {
		c, err := scanCampaign(p.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return found[model.Campaign]{}, nil
		}
		if err != nil {
			return found[model.Campaign]{}, err
		}
		return found[model.Campaign]{v: c, ok: true}, nil
	})
}

func (p *Postgres) DueCampaigns(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	return resilience.Call(p.breaker, func() ([]model.Campaign, error) {
		rows, err := p.pool.Query(ctx, `
			SELECT `+campaignColumns+`
			FROM campaigns
			WHERE status = 'scheduled' AND starts_at <= $1 AND ends_at > $1
			ORDER BY starts_at ASC, id ASC
		`, now)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Campaign
		for rows.Next() {
			c, err := scanCampaign(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, rows.Err()
	})
}

func (p *Postgres) ClaimCampaign(ctx context.Context, id int64) (bool, error) {
	tag, err := p.exec(ctx, `
		UPDATE campaigns
		SET status = 'active', updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FinishCampaign(ctx context.Context, id int64, status model.CampaignStatus, sent, failed int) error {
	_, err := p.exec(ctx, `
		UPDATE campaigns
		SET status = $2,
		    sent = sent + $3,
		    failed = failed + $4,
		    updated_at = now()
		WHERE id = $1
	`, id, string(status), sent, failed)
	return err
}

func (p *Postgres) AddCampaignReceipts(ctx context.Context, id int64, delivered, opened, clicked int) error {
	_, err := p.exec(ctx, `
		UPDATE campaigns
		SET delivered = delivered + $2,
		    opened = opened + $3,
		    clicked = clicked + $4,
		    updated_at = now()
		WHERE id = $1
	`, id, delivered, opened, clicked)
	return err
}
