package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

const DefaultAMQPQueue = "human_escalations"

type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes entries to a durable queue.
type AMQPSink struct {
	queue string

	mu   sync.Mutex
	pub  publisher
	conn *amqp.Connection
}

func NewAMQPSink(url, queue string) (*AMQPSink, error) {
	if queue == "" {
		queue = DefaultAMQPQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPSink{queue: q.Name, pub: ch, conn: conn}, nil
}

func (s *AMQPSink) Escalate(_ context.Context, e model.EscalationEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pub.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Body:         b,
	})
}

func (s *AMQPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
