package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	pub := New()

	id1, err := pub.Publish(ctx, "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "mem-1", id1)

	id2, err := pub.Publish(ctx, "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "mem-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages must return a copy")
}
