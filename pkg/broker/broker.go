// Package broker provides a unified abstraction layer over message broker
// backends (in-memory, Kafka-like partitioned logs, Redis Streams).
//
// This package defines the core interfaces for publishing and consuming
// envelopes across different transports.
//
// # Architecture
//
// The package follows the adapter pattern with decoupled dependencies:
//   - Core interfaces are defined here (zero external dependencies)
//   - Each adapter lives in its own sub-package (pkg/broker/adapters/{driver})
//   - Callers import only the adapter they need, pulling only that SDK
//
// # Usage
//
//	import (
//	    "github.com/lattice-events/eventcore/pkg/broker"
//	    "github.com/lattice-events/eventcore/pkg/broker/adapters/kafka"
//	)
//
//	b, err := kafka.New(kafka.Config{Brokers: []string{"localhost:9092"}})
//	result, err := b.Publish(ctx, "svc.activation.requested", env, "S1")
package broker

import (
	"context"
	"time"
)

// ConsumerRecord is a single delivered envelope plus the broker-assigned
// delivery metadata (partition, offset, timestamp) needed to commit it.
type ConsumerRecord struct {
	Topic     string
	Partition int
	Offset    int64
	Envelope  []byte // canonical JSON of the envelope, decoded lazily by the caller
	Timestamp time.Time
}

// PublishResult is returned on a successful publish.
type PublishResult struct {
	EventID         string
	Partition       int
	Offset          int64
	BrokerTimestamp time.Time
}

// TopicInfo describes a topic's partition layout.
type TopicInfo struct {
	Name       string
	Partitions int
	Replicas   int
}

// ConsumerGroupInfo describes a consumer group's membership and committed
// offsets.
type ConsumerGroupInfo struct {
	GroupID string
	Members []string
	Offsets map[string]map[int]int64 // topic -> partition -> committed offset
}

// Subscription is a pull-style handle for a live subscription. It is used
// instead of a push channel so that auto_commit semantics (commit after
// the consumer advances past a yielded record) and explicit CommitOffset
// calls are both expressible through the one handle.
type Subscription interface {
	// Next blocks until the next record is available, the subscription is
	// closed, or ctx is canceled.
	Next(ctx context.Context) (*ConsumerRecord, error)

	// Commit advances the committed offset past rec. Subscriptions created
	// with autoCommit=true call this internally after Next returns; callers
	// of an autoCommit=false subscription must call it explicitly.
	Commit(ctx context.Context, rec *ConsumerRecord) error

	// SeekToBeginning/End/Offset reposition the subscription's next read.
	// These live on the subscription (not the adapter) because they need
	// the live consumer session's state.
	SeekToBeginning(ctx context.Context, partition *int) error
	SeekToEnd(ctx context.Context, partition *int) error
	SeekToOffset(ctx context.Context, partition int, offset int64) error

	// Close stops consuming and releases resources.
	Close() error
}

// Broker manages the full lifecycle of topics, producers, and consumer
// subscriptions for one backend. Each adapter implements this interface.
type Broker interface {
	// Connect establishes the broker connection. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect drains in-flight I/O and releases the connection.
	Disconnect(ctx context.Context) error

	// Publish assigns a partition deterministically from partitionKey and
	// appends the envelope durably. Adapters do not read a key out of
	// envelopeJSON: an empty partitionKey is hashed as the empty string
	// (the Kafka adapter sends the record without a message key), so
	// callers pass the envelope's own PartitionKey().
	Publish(ctx context.Context, topic string, envelopeJSON []byte, partitionKey string) (PublishResult, error)

	// Subscribe opens a pull-style subscription across topics for groupID.
	// When autoCommit is true, each record's offset is committed by the
	// Subscription after Next returns it.
	Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (Subscription, error)

	// CommitOffset sets committed_offset[group][topic][partition] = offset.
	CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error

	CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]string, error)
	GetTopicInfo(ctx context.Context, name string) (TopicInfo, error)

	ListConsumerGroups(ctx context.Context) ([]string, error)
	DeleteConsumerGroup(ctx context.Context, group string) error
	GetConsumerGroupInfo(ctx context.Context, group string) (ConsumerGroupInfo, error)

	GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error)
	GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error)

	// Healthy returns true if the broker connection is healthy.
	Healthy(ctx context.Context) bool
}

// Config holds the base configuration for selecting a broker adapter.
// Each adapter has its own detailed configuration struct.
type Config struct {
	// Driver selects the adapter: memory, kafka, redisstream.
	Driver string `env:"BROKER_DRIVER" env-default:"memory"`

	// DefaultPartitions is not read by the adapters; each adapter's own
	// Config carries the DefaultPartitions it uses.
	DefaultPartitions int `env:"BROKER_DEFAULT_PARTITIONS" env-default:"3"`
}
