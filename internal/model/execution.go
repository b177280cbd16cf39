package model

import "time"

type ExecutionKind string

const (
	KindCampaign ExecutionKind = "campaign"
	KindMessage  ExecutionKind = "message"
)

// MaxLoggedErrors caps ExecutionLog.Errors.
const MaxLoggedErrors = 10

type ExecutionLog struct {
	ID             int64         `json:"id"`
	Kind           ExecutionKind `json:"kind"`
	TargetID       int64         `json:"targetId"`
	ExecutedAt     time.Time     `json:"executedAt"`
	MessagesSent   int           `json:"messagesSent"`
	MessagesFailed int           `json:"messagesFailed"`
	Duration       time.Duration `json:"durationMs"`
	Errors         []string      `json:"errors,omitempty"`
	Status         string        `json:"status"`
}

// AddError appends msg unless the log already holds MaxLoggedErrors entries.
func (l *ExecutionLog) AddError(msg string) {
	if len(l.Errors) >= MaxLoggedErrors {
		return
	}
	l.Errors = append(l.Errors, msg)
}

// EscalationEntry is a failure handed over to a human agent.
type EscalationEntry struct {
	ID        string    `json:"id"`
	Module    string    `json:"module"`
	Operation string    `json:"operation"`
	Recipient string    `json:"recipient,omitempty"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}
