package broker

import (
	"context"

	"github.com/lattice-events/eventcore/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBroker wraps a Broker with logging and tracing.
type InstrumentedBroker struct {
	next   Broker
	tracer trace.Tracer
}

// NewInstrumentedBroker creates a new InstrumentedBroker wrapping the given broker.
func NewInstrumentedBroker(next Broker) *InstrumentedBroker {
	return &InstrumentedBroker{
		next:   next,
		tracer: otel.Tracer("pkg/broker"),
	}
}

func (b *InstrumentedBroker) Connect(ctx context.Context) error {
	logger.L().InfoContext(ctx, "connecting broker")
	return b.next.Connect(ctx)
}

func (b *InstrumentedBroker) Disconnect(ctx context.Context) error {
	logger.L().InfoContext(ctx, "disconnecting broker")
	return b.next.Disconnect(ctx)
}

func (b *InstrumentedBroker) Publish(ctx context.Context, topic string, envelopeJSON []byte, partitionKey string) (PublishResult, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Publish", trace.WithAttributes(
		attribute.String("broker.topic", topic),
		attribute.String("broker.partition_key", partitionKey),
	))
	defer span.End()

	logger.L().InfoContext(ctx, "publishing envelope", "topic", topic)

	res, err := b.next.Publish(ctx, topic, envelopeJSON, partitionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "failed to publish envelope", "topic", topic, "error", err)
		return res, err
	}

	span.SetAttributes(
		attribute.Int("broker.partition", res.Partition),
		attribute.Int64("broker.offset", res.Offset),
	)
	span.SetStatus(codes.Ok, "envelope published")
	return res, nil
}

func (b *InstrumentedBroker) Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (Subscription, error) {
	logger.L().InfoContext(ctx, "subscribing", "topics", topics, "group", groupID, "auto_commit", autoCommit)

	sub, err := b.next.Subscribe(ctx, topics, groupID, autoCommit)
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to subscribe", "topics", topics, "group", groupID, "error", err)
		return nil, err
	}
	return &instrumentedSubscription{next: sub, tracer: b.tracer, group: groupID}, nil
}

func (b *InstrumentedBroker) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	return b.next.CommitOffset(ctx, group, topic, partition, offset)
}

func (b *InstrumentedBroker) CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error {
	logger.L().InfoContext(ctx, "creating topic", "name", name, "partitions", partitions)
	return b.next.CreateTopic(ctx, name, partitions, replication, config)
}

func (b *InstrumentedBroker) DeleteTopic(ctx context.Context, name string) error {
	logger.L().InfoContext(ctx, "deleting topic", "name", name)
	return b.next.DeleteTopic(ctx, name)
}

func (b *InstrumentedBroker) ListTopics(ctx context.Context) ([]string, error) {
	return b.next.ListTopics(ctx)
}

func (b *InstrumentedBroker) GetTopicInfo(ctx context.Context, name string) (TopicInfo, error) {
	return b.next.GetTopicInfo(ctx, name)
}

func (b *InstrumentedBroker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	return b.next.ListConsumerGroups(ctx)
}

func (b *InstrumentedBroker) DeleteConsumerGroup(ctx context.Context, group string) error {
	logger.L().InfoContext(ctx, "deleting consumer group", "group", group)
	return b.next.DeleteConsumerGroup(ctx, group)
}

func (b *InstrumentedBroker) GetConsumerGroupInfo(ctx context.Context, group string) (ConsumerGroupInfo, error) {
	return b.next.GetConsumerGroupInfo(ctx, group)
}

func (b *InstrumentedBroker) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return b.next.GetLatestOffset(ctx, topic, partition)
}

func (b *InstrumentedBroker) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return b.next.GetEarliestOffset(ctx, topic, partition)
}

func (b *InstrumentedBroker) Healthy(ctx context.Context) bool {
	return b.next.Healthy(ctx)
}

// instrumentedSubscription wraps a Subscription with tracing.
type instrumentedSubscription struct {
	next   Subscription
	tracer trace.Tracer
	group  string
}

func (s *instrumentedSubscription) Next(ctx context.Context) (*ConsumerRecord, error) {
	ctx, span := s.tracer.Start(ctx, "broker.Next", trace.WithAttributes(
		attribute.String("broker.group", s.group),
	))
	defer span.End()

	rec, err := s.next.Next(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if rec != nil {
		span.SetAttributes(
			attribute.String("broker.topic", rec.Topic),
			attribute.Int("broker.partition", rec.Partition),
			attribute.Int64("broker.offset", rec.Offset),
		)
	}
	return rec, nil
}

func (s *instrumentedSubscription) Commit(ctx context.Context, rec *ConsumerRecord) error {
	return s.next.Commit(ctx, rec)
}

func (s *instrumentedSubscription) SeekToBeginning(ctx context.Context, partition *int) error {
	return s.next.SeekToBeginning(ctx, partition)
}

func (s *instrumentedSubscription) SeekToEnd(ctx context.Context, partition *int) error {
	return s.next.SeekToEnd(ctx, partition)
}

func (s *instrumentedSubscription) SeekToOffset(ctx context.Context, partition int, offset int64) error {
	return s.next.SeekToOffset(ctx, partition, offset)
}

func (s *instrumentedSubscription) Close() error {
	return s.next.Close()
}
