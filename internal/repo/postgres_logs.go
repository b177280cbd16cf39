package repo

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

func (p *Postgres) AppendExecutionLog(ctx context.Context, l model.ExecutionLog) error {
	var table, column string
	switch l.Kind {
	case model.KindCampaign:
		table, column = "campaign_execution_logs", "campaign_id"
	case model.KindMessage:
		table, column = "message_execution_logs", "scheduled_message_id"
	default:
		return fmt.Errorf("unknown execution kind %q", l.Kind)
	}

	errs := l.Errors
	if errs == nil {
		errs = []string{}
	}

	_, err := p.exec(ctx, `
		INSERT INTO `+table+` (`+column+`, executed_at, messages_sent, messages_failed, duration_ms, errors, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.TargetID, l.ExecutedAt, l.MessagesSent, l.MessagesFailed, l.Duration.Milliseconds(), errs, l.Status)
	return err
}
