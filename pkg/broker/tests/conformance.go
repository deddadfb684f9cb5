// Package tests holds a shared conformance suite for broker.Broker
// adapters. The memory adapter's tests run it; the kafka and redisstream
// adapters have no test that calls it.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-events/eventcore/pkg/broker"
)

// RunBrokerTests exercises publish/consume, stable partitioning, explicit
// commit, topic lifecycle and Healthy against b; seek and the consumer-group
// admin calls are not covered. Adapters
// that can't support an operation (e.g. Kafka's mid-session seek) should
// not be passed here; call the shared subset manually instead.
func RunBrokerTests(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	t.Run("PublishAndConsume", func(t *testing.T) {
		topic := "svc.order.created.v1"
		sub, err := b.Subscribe(ctx, []string{topic}, "test-group", true)
		require.NoError(t, err)
		defer sub.Close()

		res, err := b.Publish(ctx, topic, []byte(`{"id":"1"}`), "tenant-a")
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Offset, int64(0))

		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, topic, rec.Topic)
		require.Equal(t, []byte(`{"id":"1"}`), rec.Envelope)
	})

	t.Run("StablePartitioning", func(t *testing.T) {
		topic := "svc.order.updated.v1"
		res1, err := b.Publish(ctx, topic, []byte(`{"id":"1"}`), "tenant-b")
		require.NoError(t, err)
		res2, err := b.Publish(ctx, topic, []byte(`{"id":"2"}`), "tenant-b")
		require.NoError(t, err)
		require.Equal(t, res1.Partition, res2.Partition)
	})

	t.Run("ExplicitCommit", func(t *testing.T) {
		topic := "svc.order.shipped.v1"
		sub, err := b.Subscribe(ctx, []string{topic}, "manual-group", false)
		require.NoError(t, err)
		defer sub.Close()

		_, err = b.Publish(ctx, topic, []byte(`{"id":"3"}`), "tenant-c")
		require.NoError(t, err)

		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, sub.Commit(ctx, rec))
	})

	t.Run("TopicLifecycle", func(t *testing.T) {
		topic := "svc.order.cancelled.v1"
		require.NoError(t, b.CreateTopic(ctx, topic, 2, 1, nil))

		info, err := b.GetTopicInfo(ctx, topic)
		require.NoError(t, err)
		require.Equal(t, 2, info.Partitions)

		err = b.CreateTopic(ctx, topic, 2, 1, nil)
		require.Error(t, err)

		require.NoError(t, b.DeleteTopic(ctx, topic))
	})

	t.Run("Healthy", func(t *testing.T) {
		require.True(t, b.Healthy(ctx))
	})
}
