package model

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

type Priority int

// Persisted as 0..3 so the queue can ORDER BY priority DESC.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Origin tells whether a queued message was produced on behalf of a user
// (reply, confirmation) or by the system itself.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// QueuedMessage is one row of the outbound queue.
type QueuedMessage struct {
	ID          int64             `json:"id"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Origin      Origin            `json:"origin"`
	Priority    Priority          `json:"priority"`
	Type        string            `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	Status      Status            `json:"status"`

	LastError       *string    `json:"lastError,omitempty"`
	RemoteMessageID *string    `json:"remoteMessageId,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanRetry reports whether another attempt is allowed after a failure.
func (m QueuedMessage) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}
