// Package kafka implements pkg/broker.Broker on top of a real
// partitioned-log cluster via github.com/IBM/sarama.
//
// Publish uses a sync producer (acks=all, snappy compression, batched by
// linger). Subscribe drives a sarama.ConsumerGroup and bridges its
// handler callbacks onto the pull-style broker.Subscription through a
// bounded channel. Topic/group administration uses a sarama.ClusterAdmin.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/lattice-events/eventcore/pkg/broker"
	"github.com/lattice-events/eventcore/pkg/cache"
	cachememory "github.com/lattice-events/eventcore/pkg/cache/adapters/memory"
	cacheredis "github.com/lattice-events/eventcore/pkg/cache/adapters/redis"
	apperrors "github.com/lattice-events/eventcore/pkg/errors"
)

// topicInfoTTL bounds how long GetTopicInfo trusts a cached answer before
// re-querying the cluster controller. Short enough that a partition count
// change (an operator running kafka-topics --alter) is picked up quickly,
// long enough to spare the controller from being hit on every call in a
// tight admin loop.
const topicInfoTTL = 10 * time.Second

// Config configures the Kafka adapter.
type Config struct {
	Brokers []string `env:"BROKER_KAFKA_BROKERS" env-separator:","`

	// AutoOffsetReset controls where a new consumer group starts:
	// "earliest" or "latest".
	AutoOffsetReset string `env:"BROKER_KAFKA_AUTO_OFFSET_RESET" env-default:"earliest"`

	SessionTimeout   time.Duration `env:"BROKER_KAFKA_SESSION_TIMEOUT" env-default:"10s"`
	HeartbeatTimeout time.Duration `env:"BROKER_KAFKA_HEARTBEAT_INTERVAL" env-default:"3s"`
	MaxPollRecords   int           `env:"BROKER_KAFKA_MAX_POLL_RECORDS" env-default:"500"`

	DefaultPartitions int16 `env:"BROKER_KAFKA_DEFAULT_PARTITIONS" env-default:"3"`
	ReplicationFactor int16 `env:"BROKER_KAFKA_REPLICATION_FACTOR" env-default:"1"`

	// TopicInfoCacheDriver selects the backend for the GetTopicInfo
	// read-through cache: "memory" (single process) or "redis" (shared
	// across every eventcored replica, so a cache fill on one node saves
	// the controller round trip for all of them).
	TopicInfoCacheDriver string `env:"BROKER_KAFKA_TOPIC_CACHE_DRIVER" env-default:"memory"`
	TopicInfoCache       cache.Config
	TopicInfoResilience  cache.ResilientConfig
}

func saramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Return.Successes = true
	sc.Producer.Flush.Frequency = 10 * time.Millisecond

	sc.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = cfg.HeartbeatTimeout
	sc.Consumer.Fetch.Default = 1 << 20
	if cfg.AutoOffsetReset == "latest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Version = sarama.V2_8_0_0
	return sc
}

// Broker is the Kafka-backed broker.Broker implementation.
type Broker struct {
	cfg    Config
	client sarama.Client
	sc     *sarama.Config

	producerMu sync.Mutex
	producer   sarama.SyncProducer

	admin sarama.ClusterAdmin

	// topicInfo caches GetTopicInfo answers so that repeated lookups
	// don't each round-trip the cluster controller.
	topicInfo cache.Cache

	subsMu sync.Mutex
	subs   []*Subscription
}

// New constructs an unconnected Kafka broker; call Connect before use.
func New(cfg Config) (*Broker, error) {
	topicInfo, err := buildTopicInfoCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Broker{cfg: cfg, sc: saramaConfig(cfg), topicInfo: topicInfo}, nil
}

// buildTopicInfoCache wires the topic-info read-through cache through the
// same instrumented/resilient decorator chain pkg/cache's adapters are
// meant to be consumed behind, rather than handing GetTopicInfo the raw
// adapter.
func buildTopicInfoCache(cfg Config) (cache.Cache, error) {
	var base cache.Cache
	switch cfg.TopicInfoCacheDriver {
	case "redis":
		c, err := cacheredis.New(cfg.TopicInfoCache)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to connect topic-info cache")
		}
		base = c
	default:
		base = cachememory.New()
	}
	instrumented := cache.NewInstrumentedCache(base)
	return cache.NewResilientCache(instrumented, cfg.TopicInfoResilience), nil
}

func (b *Broker) Connect(ctx context.Context) error {
	client, err := sarama.NewClient(b.cfg.Brokers, b.sc)
	if err != nil {
		return broker.ErrTransport(err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return broker.ErrTransport(err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return broker.ErrTransport(err)
	}

	b.client = client
	b.producer = producer
	b.admin = admin
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.subsMu.Lock()
	for _, s := range b.subs {
		_ = s.Close()
	}
	b.subs = nil
	b.subsMu.Unlock()

	if b.admin != nil {
		_ = b.admin.Close()
	}
	if b.producer != nil {
		_ = b.producer.Close()
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, envelopeJSON []byte, partitionKey string) (broker.PublishResult, error) {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(envelopeJSON),
		Timestamp: time.Now(),
	}
	if partitionKey != "" {
		msg.Key = sarama.ByteEncoder(partitionKey)
	}
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("event-id"),
		Value: []byte(uuid.New().String()),
	})

	b.producerMu.Lock()
	partition, offset, err := b.producer.SendMessage(msg)
	b.producerMu.Unlock()
	if err != nil {
		return broker.PublishResult{}, broker.ErrTransport(err)
	}

	return broker.PublishResult{
		Partition:       int(partition),
		Offset:          offset,
		BrokerTimestamp: msg.Timestamp,
	}, nil
}

func (b *Broker) Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (broker.Subscription, error) {
	group, err := sarama.NewConsumerGroupFromClient(groupID, b.client)
	if err != nil {
		return nil, broker.ErrTransport(err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		group:      group,
		groupID:    groupID,
		autoCommit: autoCommit,
		topics:     topics,
		records:    make(chan *broker.ConsumerRecord, b.cfg.MaxPollRecords),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go sub.run(sctx, topics)

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	return sub, nil
}

func (b *Broker) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	om, err := sarama.NewOffsetManagerFromClient(group, b.client)
	if err != nil {
		return broker.ErrTransport(err)
	}
	defer om.Close()

	pom, err := om.ManagePartition(topic, int32(partition))
	if err != nil {
		return broker.ErrTransport(err)
	}
	defer pom.Close()

	pom.MarkOffset(offset+1, "")
	return nil
}

func (b *Broker) CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error {
	if partitions <= 0 {
		partitions = int(b.cfg.DefaultPartitions)
	}
	if replication <= 0 {
		replication = int(b.cfg.ReplicationFactor)
	}
	cfgPtrs := make(map[string]*string, len(config))
	for k, v := range config {
		val := v
		cfgPtrs[k] = &val
	}
	err := b.admin.CreateTopic(name, &sarama.TopicDetail{
		NumPartitions:     int32(partitions),
		ReplicationFactor: int16(replication),
		ConfigEntries:     cfgPtrs,
	}, false)
	if err != nil {
		if isTopicExistsErr(err) {
			return broker.ErrTopicAlreadyExists(name)
		}
		return broker.ErrTransport(err)
	}
	_ = b.topicInfo.Delete(ctx, topicInfoCacheKey(name))
	return nil
}

func topicInfoCacheKey(name string) string {
	return fmt.Sprintf("topic-info:%s", name)
}

func isTopicExistsErr(err error) bool {
	kerr, ok := err.(*sarama.TopicError)
	return ok && kerr.Err == sarama.ErrTopicAlreadyExists
}

func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	if err := b.admin.DeleteTopic(name); err != nil {
		return broker.ErrTransport(err)
	}
	_ = b.topicInfo.Delete(ctx, topicInfoCacheKey(name))
	return nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := b.admin.ListTopics()
	if err != nil {
		return nil, broker.ErrTransport(err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return names, nil
}

func (b *Broker) GetTopicInfo(ctx context.Context, name string) (broker.TopicInfo, error) {
	var cached broker.TopicInfo
	if err := b.topicInfo.Get(ctx, topicInfoCacheKey(name), &cached); err == nil {
		return cached, nil
	}

	topics, err := b.admin.ListTopics()
	if err != nil {
		return broker.TopicInfo{}, broker.ErrTransport(err)
	}
	detail, ok := topics[name]
	if !ok {
		return broker.TopicInfo{}, broker.ErrTopicNotFound(name)
	}
	info := broker.TopicInfo{
		Name:       name,
		Partitions: int(detail.NumPartitions),
		Replicas:   int(detail.ReplicationFactor),
	}
	_ = b.topicInfo.Set(ctx, topicInfoCacheKey(name), info, topicInfoTTL)
	return info, nil
}

func (b *Broker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	groups, err := b.admin.ListConsumerGroups()
	if err != nil {
		return nil, broker.ErrTransport(err)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	return names, nil
}

func (b *Broker) DeleteConsumerGroup(ctx context.Context, group string) error {
	if err := b.admin.DeleteConsumerGroup(group); err != nil {
		return broker.ErrTransport(err)
	}
	return nil
}

func (b *Broker) GetConsumerGroupInfo(ctx context.Context, group string) (broker.ConsumerGroupInfo, error) {
	desc, err := b.admin.DescribeConsumerGroups([]string{group})
	if err != nil {
		return broker.ConsumerGroupInfo{}, broker.ErrTransport(err)
	}
	if len(desc) == 0 {
		return broker.ConsumerGroupInfo{}, broker.ErrGroupNotFound(group)
	}
	members := make([]string, 0, len(desc[0].Members))
	for memberID := range desc[0].Members {
		members = append(members, memberID)
	}
	return broker.ConsumerGroupInfo{GroupID: group, Members: members, Offsets: map[string]map[int]int64{}}, nil
}

func (b *Broker) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	off, err := b.client.GetOffset(topic, int32(partition), sarama.OffsetNewest)
	if err != nil {
		return 0, broker.ErrTransport(err)
	}
	return off, nil
}

func (b *Broker) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	off, err := b.client.GetOffset(topic, int32(partition), sarama.OffsetOldest)
	if err != nil {
		return 0, broker.ErrTransport(err)
	}
	return off, nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	if b.client == nil || b.client.Closed() {
		return false
	}
	_, err := b.client.Controller()
	return err == nil
}

// Subscription bridges a sarama.ConsumerGroup session to broker.Subscription.
type Subscription struct {
	group      sarama.ConsumerGroup
	groupID    string
	autoCommit bool
	topics     []string

	records chan *broker.ConsumerRecord
	cancel  context.CancelFunc
	done    chan struct{}

	sessionMu sync.Mutex
	session   sarama.ConsumerGroupSession
}

func (s *Subscription) run(ctx context.Context, topics []string) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.group.Consume(ctx, topics, s); err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
		}
	}
}

func (s *Subscription) Setup(session sarama.ConsumerGroupSession) error {
	s.sessionMu.Lock()
	s.session = session
	s.sessionMu.Unlock()
	return nil
}

func (s *Subscription) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (s *Subscription) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		rec := &broker.ConsumerRecord{
			Topic:     msg.Topic,
			Partition: int(msg.Partition),
			Offset:    msg.Offset,
			Envelope:  msg.Value,
			Timestamp: msg.Timestamp,
		}
		select {
		case s.records <- rec:
		case <-session.Context().Done():
			return nil
		}
		if s.autoCommit {
			session.MarkMessage(msg, "")
		}
	}
	return nil
}

func (s *Subscription) Next(ctx context.Context) (*broker.ConsumerRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, apperrors.New(apperrors.CodeUnavailable, "subscription closed", nil)
	case rec := <-s.records:
		return rec, nil
	}
}

func (s *Subscription) Commit(ctx context.Context, rec *broker.ConsumerRecord) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session == nil {
		return nil
	}
	s.session.MarkOffset(rec.Topic, int32(rec.Partition), rec.Offset+1, "")
	return nil
}

func (s *Subscription) SeekToBeginning(ctx context.Context, partition *int) error {
	return apperrors.New(apperrors.CodeInternal, "seek is not supported mid-session on the kafka adapter; recreate the subscription with a reset group offset", nil)
}

func (s *Subscription) SeekToEnd(ctx context.Context, partition *int) error {
	return apperrors.New(apperrors.CodeInternal, "seek is not supported mid-session on the kafka adapter; recreate the subscription with a reset group offset", nil)
}

func (s *Subscription) SeekToOffset(ctx context.Context, partition int, offset int64) error {
	return apperrors.New(apperrors.CodeInternal, "seek is not supported mid-session on the kafka adapter; recreate the subscription with a reset group offset", nil)
}

func (s *Subscription) Close() error {
	s.cancel()
	err := s.group.Close()
	<-s.done
	return err
}
