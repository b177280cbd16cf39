package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

func entry(id string) model.EscalationEntry {
	return model.EscalationEntry{
		ID:        id,
		Module:    "queue",
		Operation: "send",
		Recipient: "+3612345",
		Kind:      "channel_auth",
		Error:     "unauthorized",
		CreatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisSink_PushesNewestFirst(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(rdb, "")

	ctx := context.Background()
	require.NoError(t, sink.Escalate(ctx, entry("a")))
	require.NoError(t, sink.Escalate(ctx, entry("b")))

	list, err := mr.List(DefaultRedisKey)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "+3612345", got[1].Recipient)
}

func TestRedisSink_ContextCanceled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(rdb, "esc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, sink.Escalate(ctx, entry("a")))
}

type fakePublisher struct {
	queue string
	msgs  []amqp.Publishing
	err   error
}

func (f *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.queue = key
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestAMQPSink_PublishesPersistentJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &AMQPSink{queue: DefaultAMQPQueue, pub: pub}

	require.NoError(t, sink.Escalate(context.Background(), entry("x1")))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, DefaultAMQPQueue, pub.queue)
	msg := pub.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "x1", msg.MessageId)

	var got model.EscalationEntry
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, "unauthorized", got.Error)
}

func TestAMQPSink_PublishError(t *testing.T) {
	sink := &AMQPSink{queue: "q", pub: &fakePublisher{err: errors.New("channel closed")}}

	assert.Error(t, sink.Escalate(context.Background(), entry("x")))
	assert.NoError(t, sink.Close())
}

func TestLogSink_WritesEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	require.NoError(t, sink.Escalate(context.Background(), entry("l1")))
	assert.True(t, strings.Contains(buf.String(), `"escalation_id":"l1"`), buf.String())
}
