// Package escalation delivers failures that need a human agent to the
// queue the agents work from.
package escalation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

type Sink interface {
	Escalate(ctx context.Context, e model.EscalationEntry) error
}

// LogSink only writes the entry to the log. Used when no agent queue is
// configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Escalate(_ context.Context, e model.EscalationEntry) error {
	s.log.Warn().
		Str("escalation_id", e.ID).
		Str("module", e.Module).
		Str("operation", e.Operation).
		Str("recipient", e.Recipient).
		Str("kind", e.Kind).
		Str("error", e.Error).
		Msg("escalated to human agent")
	return nil
}
