package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kr0osti/image-processor/internal/ingest"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "topic-a", msgs[0].Topic)
	assert.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	assert.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherEventsFiltersByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	_, err := pub.Publish(ctx, "events", ingest.Event{Type: ingest.EventStored, Name: "a.png"})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "other", ingest.Event{Type: ingest.EventStored, Name: "b.png"})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "events", "not an event")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "events", ingest.Event{Type: ingest.EventEvicted, Name: "a.png"})
	require.NoError(t, err)

	events := pub.Events("events")
	require.Len(t, events, 2)
	assert.Equal(t, ingest.EventStored, events[0].Type)
	assert.Equal(t, ingest.EventEvicted, events[1].Type)
}

func TestPublisherResetKeepsSequence(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t", 1)
	require.NoError(t, err)
	pub.Reset()
	assert.Empty(t, pub.Messages())

	id, err := pub.Publish(context.Background(), "t", 2)
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	_, err = pub.Publish(context.Background(), "", 3)
	assert.Error(t, err)
}
