package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

func TestMemory_ClaimReadyOrdersByPriorityThenAge(t *testing.T) {
	s := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	ctx := context.Background()

	ins := func(p model.Priority) int64 {
		id, err := s.Insert(ctx, model.QueuedMessage{Recipient: "+1", Body: "x", Priority: p, MaxRetries: 1, ScheduledAt: base})
		require.NoError(t, err)
		return id
	}
	normal := ins(model.PriorityNormal)
	urgentOld := ins(model.PriorityUrgent)
	low := ins(model.PriorityLow)
	urgentNew := ins(model.PriorityUrgent)

	got, err := s.ClaimReady(ctx, base.Add(time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{urgentOld, urgentNew, normal}, []int64{got[0].ID, got[1].ID, got[2].ID})

	rest, err := s.ClaimReady(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, low, rest[0].ID)
}

func TestMemory_InsertOccurrenceOncePerParent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	parent := int64(1)

	_, created, err := s.InsertOccurrence(ctx, model.ScheduledMessage{ParentID: &parent})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = s.InsertOccurrence(ctx, model.ScheduledMessage{ParentID: &parent})
	require.NoError(t, err)
	assert.False(t, created)
}
