package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/LeventeLantos/outbound-dispatch/internal/client"
	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

type Channel interface {
	SendBatch(ctx context.Context, msgs []client.OutboundMessage) ([]client.Result, error)
}

// Sender is the single path to the messaging channel. It enforces the
// content limit and routes every request through the channel breaker.
type Sender struct {
	channel    Channel
	contentMax int
	breaker    *resilience.Breaker
}

func NewSender(ch Channel, contentMax int) *Sender {
	return &Sender{
		channel:    ch,
		contentMax: contentMax,
	}
}

func (s *Sender) WithBreaker(b *resilience.Breaker) *Sender {
	s.breaker = b
	return s
}

// Send delivers one message and returns the remote message id.
func (s *Sender) Send(ctx context.Context, msg client.OutboundMessage) (string, error) {
	results, err := s.SendBatch(ctx, []client.OutboundMessage{msg})
	if err != nil {
		return "", err
	}
	if results[0].Err != nil {
		return "", results[0].Err
	}
	return results[0].MessageID, nil
}

// SendBatch returns one result per input in the same order. Messages over
// the content limit fail locally and are not sent. An error means the
// channel request as a whole failed.
func (s *Sender) SendBatch(ctx context.Context, msgs []client.OutboundMessage) ([]client.Result, error) {
	results := make([]client.Result, len(msgs))
	outgoing := make([]client.OutboundMessage, 0, len(msgs))
	index := make([]int, 0, len(msgs))

	for i, m := range msgs {
		results[i].Recipient = m.Recipient
		if s.contentMax > 0 && utf8.RuneCountInString(m.Body) > s.contentMax {
			results[i].Err = resilience.Permanent(fmt.Errorf("content exceeds %d chars", s.contentMax))
			continue
		}
		outgoing = append(outgoing, m)
		index = append(index, i)
	}

	if len(outgoing) == 0 {
		return results, nil
	}

	sent, err := resilience.Call(s.breaker, func() ([]client.Result, error) {
		return s.channel.SendBatch(ctx, outgoing)
	})
	if err != nil {
		return nil, err
	}
	if len(sent) != len(outgoing) {
		return nil, fmt.Errorf("channel returned %d results for %d messages", len(sent), len(outgoing))
	}

	for j, r := range sent {
		i := index[j]
		results[i].MessageID = r.MessageID
		results[i].Err = r.Err
	}
	return results, nil
}
