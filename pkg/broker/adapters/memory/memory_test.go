package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-events/eventcore/pkg/broker/adapters/memory"
	brokertests "github.com/lattice-events/eventcore/pkg/broker/tests"
)

func TestMemoryBroker(t *testing.T) {
	b := memory.New(memory.Config{MaxMessagesPerTopic: 100, DefaultPartitions: 3})
	brokertests.RunBrokerTests(t, b)
}

func TestMemoryBroker_DropsOldestOnOverflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := memory.New(memory.Config{MaxMessagesPerTopic: 2, DefaultPartitions: 1})
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	topic := "svc.inventory.adjusted.v1"
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, topic, []byte(`{}`), "same-key")
		require.NoError(t, err)
	}

	require.Equal(t, int64(3), b.DroppedCount(topic, 0))
}

func TestMemoryBroker_SubscriptionReplaysFromCommittedOffset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := memory.New(memory.Config{MaxMessagesPerTopic: 100, DefaultPartitions: 1})
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	topic := "svc.inventory.replayed.v1"
	_, err := b.Publish(ctx, topic, []byte(`{"seq":1}`), "k")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, []string{topic}, "replay-group", true)
	require.NoError(t, err)
	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Offset)
	require.NoError(t, sub.Close())

	_, err = b.Publish(ctx, topic, []byte(`{"seq":2}`), "k")
	require.NoError(t, err)

	sub2, err := b.Subscribe(ctx, []string{topic}, "replay-group", true)
	require.NoError(t, err)
	defer sub2.Close()

	rec2, err := sub2.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec2.Offset)
}
