package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePublishAndRun(t *testing.T) {
	q := NewQueue(4)

	require.NoError(t, q.TryPublish(Event{Type: EventBookResync, BookResync: &BookResync{Symbol: "BTCUSDT", Reason: "gap"}}))
	require.NoError(t, q.TryPublish(Event{Type: EventChannelState, ChannelState: &ChannelState{Channel: "public", Connected: true}}))
	q.Close()

	var got []EventType
	q.Run(context.Background(), func(e Event) {
		got = append(got, e.Type)
	})

	assert.Equal(t, []EventType{EventBookResync, EventChannelState}, got)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(Event{Type: EventDesync}))
	assert.ErrorIs(t, q.TryPublish(Event{Type: EventDesync}), ErrQueueFull)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	assert.ErrorIs(t, q.TryPublish(Event{Type: EventDesync}), ErrQueueClosed)
}
