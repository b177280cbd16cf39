package model

import (
	"fmt"
	"time"
)

type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "scheduled"
	ScheduledSent      ScheduledStatus = "sent"
	ScheduledFailed    ScheduledStatus = "failed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

type RepeatType string

const (
	RepeatNone    RepeatType = "none"
	RepeatDaily   RepeatType = "daily"
	RepeatWeekly  RepeatType = "weekly"
	RepeatMonthly RepeatType = "monthly"
)

func (r RepeatType) Valid() bool {
	switch r {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	}
	return false
}

// Next returns the occurrence following t. Monthly uses time.AddDate, so
// Jan 31 rolls over to early March rather than clamping to Feb 28.
func (r RepeatType) Next(t time.Time) (time.Time, error) {
	switch r {
	case RepeatDaily:
		return t.AddDate(0, 0, 1), nil
	case RepeatWeekly:
		return t.AddDate(0, 0, 7), nil
	case RepeatMonthly:
		return t.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, fmt.Errorf("repeat type %q has no next occurrence", r)
	}
}

type ScheduledMessage struct {
	ID         int64           `json:"id"`
	AccountID  string          `json:"accountId"`
	Recipients []string        `json:"recipients"`
	Body       string          `json:"body"`
	MediaURL   string          `json:"mediaUrl,omitempty"`
	SendAt     time.Time       `json:"sendAt"`
	RepeatType RepeatType      `json:"repeatType"`
	Status     ScheduledStatus `json:"status"`

	// ParentID links a recurrence to the occurrence it was derived from.
	ParentID  *int64     `json:"parentId,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	SentAt    *time.Time `json:"sentAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NextOccurrence builds the row for the following recurrence. It does not
// check whether that occurrence is due yet.
func (m ScheduledMessage) NextOccurrence() (ScheduledMessage, error) {
	next, err := m.RepeatType.Next(m.SendAt)
	if err != nil {
		return ScheduledMessage{}, err
	}
	parent := m.ID
	recipients := make([]string, len(m.Recipients))
	copy(recipients, m.Recipients)

	return ScheduledMessage{
		AccountID:  m.AccountID,
		Recipients: recipients,
		Body:       m.Body,
		MediaURL:   m.MediaURL,
		SendAt:     next,
		RepeatType: m.RepeatType,
		Status:     ScheduledPending,
		ParentID:   &parent,
	}, nil
}
