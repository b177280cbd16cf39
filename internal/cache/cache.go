package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Receipt is what the channel returned for a delivered queue message.
type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error
	GetSent(ctx context.Context, internalID int64) (Receipt, error)
}
