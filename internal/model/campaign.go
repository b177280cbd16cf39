package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

type CampaignMetrics struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Failed    int `json:"failed"`
}

type Campaign struct {
	ID        int64             `json:"id"`
	AccountID string            `json:"accountId"`
	Name      string            `json:"name"`
	Audience  []string          `json:"audience"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	MediaURL  string            `json:"mediaUrl,omitempty"`
	StartsAt  time.Time         `json:"startsAt"`
	EndsAt    time.Time         `json:"endsAt"`
	Status    CampaignStatus    `json:"status"`
	Metrics   CampaignMetrics   `json:"metrics"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// InWindow reports whether t falls inside [StartsAt, EndsAt).
func (c Campaign) InWindow(t time.Time) bool {
	return !t.Before(c.StartsAt) && t.Before(c.EndsAt)
}
