// Package redisstream implements pkg/broker.Broker on Redis Streams via
// github.com/redis/go-redis/v9. Each logical partition is its own stream
// key, consumer groups map directly onto Redis consumer groups, and
// XADD's MAXLEN ~ approximate trimming bounds stream growth.
//
// Grounded on the library's pkg/cache/adapters/redis/redis.go for
// connection setup and error-wrapping conventions.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattice-events/eventcore/pkg/broker"
	"github.com/lattice-events/eventcore/pkg/errors"
	"github.com/lattice-events/eventcore/pkg/partition"
)

// Config configures the Redis Streams adapter.
type Config struct {
	Host     string `env:"BROKER_REDIS_HOST" env-default:"localhost"`
	Port     string `env:"BROKER_REDIS_PORT" env-default:"6379"`
	Password string `env:"BROKER_REDIS_PASSWORD"`
	DB       int    `env:"BROKER_REDIS_DB" env-default:"0"`

	DefaultPartitions int   `env:"BROKER_REDIS_DEFAULT_PARTITIONS" env-default:"3"`
	MaxStreamLength    int64 `env:"BROKER_REDIS_MAXLEN" env-default:"100000"`
	BlockTimeout       time.Duration `env:"BROKER_REDIS_BLOCK_TIMEOUT" env-default:"5s"`
}

// Broker is the Redis Streams broker.Broker implementation.
type Broker struct {
	cfg    Config
	client *redis.Client

	// partitionCounts remembers how many partitions each topic was
	// created with, since Redis has no native topic metadata.
	partitionCounts map[string]int
}

// New constructs an unconnected broker; call Connect before use.
func New(cfg Config) *Broker {
	if cfg.DefaultPartitions <= 0 {
		cfg.DefaultPartitions = 3
	}
	if cfg.MaxStreamLength <= 0 {
		cfg.MaxStreamLength = 100000
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &Broker{cfg: cfg, partitionCounts: make(map[string]int)}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", b.cfg.Host, b.cfg.Port),
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})
	if err := b.client.Ping(ctx).Err(); err != nil {
		return broker.ErrTransport(err)
	}
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	return b.client.Close()
}

func (b *Broker) streamKey(topic string, partitionID int) string {
	return fmt.Sprintf("%s-%d", topic, partitionID)
}

func (b *Broker) partitionsFor(topic string) int {
	if n, ok := b.partitionCounts[topic]; ok {
		return n
	}
	return b.cfg.DefaultPartitions
}

func (b *Broker) Publish(ctx context.Context, topic string, envelopeJSON []byte, partitionKey string) (broker.PublishResult, error) {
	n := b.partitionsFor(topic)
	pid := partition.Assign(partitionKey, n)
	key := b.streamKey(topic, pid)

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.cfg.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{"envelope": envelopeJSON},
	}).Result()
	if err != nil {
		return broker.PublishResult{}, broker.ErrTransport(err)
	}

	return broker.PublishResult{
		Partition:       pid,
		Offset:          redisIDToOffset(id),
		BrokerTimestamp: time.Now(),
	}, nil
}

// redisIDToOffset converts a Redis stream entry ID (ms-seq) into a
// monotonic int64 suitable for broker.ConsumerRecord.Offset. It is only
// used for observability; the real cursor is the entry ID string kept
// internally by the subscription.
func redisIDToOffset(id string) int64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			ms, _ := strconv.ParseInt(id[:i], 10, 64)
			return ms
		}
	}
	ms, _ := strconv.ParseInt(id, 10, 64)
	return ms
}

func (b *Broker) Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (broker.Subscription, error) {
	sub := &Subscription{
		broker:     b,
		groupID:    groupID,
		autoCommit: autoCommit,
		consumer:   "consumer-" + groupID,
		streams:    make(map[string][]int),
	}

	for _, topic := range topics {
		n := b.partitionsFor(topic)
		var parts []int
		for pid := 0; pid < n; pid++ {
			key := b.streamKey(topic, pid)
			err := b.client.XGroupCreateMkStream(ctx, key, groupID, "0").Err()
			if err != nil && !isBusyGroupErr(err) {
				return nil, broker.ErrTransport(err)
			}
			parts = append(parts, pid)
		}
		sub.streams[topic] = parts
	}

	return sub, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// CommitOffset does nothing and returns nil: this adapter keeps no
// committed-offset table of its own. Records are acknowledged one by one
// through Subscription.Commit (XACK on the group).
func (b *Broker) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	return nil
}

func (b *Broker) CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error {
	if _, ok := b.partitionCounts[name]; ok {
		return broker.ErrTopicAlreadyExists(name)
	}
	if partitions <= 0 {
		partitions = b.cfg.DefaultPartitions
	}
	b.partitionCounts[name] = partitions
	for pid := 0; pid < partitions; pid++ {
		key := b.streamKey(name, pid)
		if err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{"_init": "1"},
		}).Err(); err != nil {
			return broker.ErrTransport(err)
		}
	}
	return nil
}

func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	n, ok := b.partitionCounts[name]
	if !ok {
		return broker.ErrTopicNotFound(name)
	}
	for pid := 0; pid < n; pid++ {
		if err := b.client.Del(ctx, b.streamKey(name, pid)).Err(); err != nil {
			return broker.ErrTransport(err)
		}
	}
	delete(b.partitionCounts, name)
	return nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(b.partitionCounts))
	for name := range b.partitionCounts {
		names = append(names, name)
	}
	return names, nil
}

func (b *Broker) GetTopicInfo(ctx context.Context, name string) (broker.TopicInfo, error) {
	n, ok := b.partitionCounts[name]
	if !ok {
		return broker.TopicInfo{}, broker.ErrTopicNotFound(name)
	}
	return broker.TopicInfo{Name: name, Partitions: n, Replicas: 1}, nil
}

func (b *Broker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for topic, n := range b.partitionCounts {
		for pid := 0; pid < n; pid++ {
			groups, err := b.client.XInfoGroups(ctx, b.streamKey(topic, pid)).Result()
			if err != nil {
				continue
			}
			for _, g := range groups {
				if _, ok := seen[g.Name]; !ok {
					seen[g.Name] = struct{}{}
					names = append(names, g.Name)
				}
			}
		}
	}
	return names, nil
}

func (b *Broker) DeleteConsumerGroup(ctx context.Context, group string) error {
	for topic, n := range b.partitionCounts {
		for pid := 0; pid < n; pid++ {
			b.client.XGroupDestroy(ctx, b.streamKey(topic, pid), group)
		}
	}
	return nil
}

func (b *Broker) GetConsumerGroupInfo(ctx context.Context, group string) (broker.ConsumerGroupInfo, error) {
	offsets := make(map[string]map[int]int64)
	var members []string
	for topic, n := range b.partitionCounts {
		offsets[topic] = make(map[int]int64)
		for pid := 0; pid < n; pid++ {
			key := b.streamKey(topic, pid)
			consumers, err := b.client.XInfoConsumers(ctx, key, group).Result()
			if err == nil {
				for _, c := range consumers {
					members = append(members, c.Name)
				}
			}
		}
	}
	if len(members) == 0 {
		return broker.ConsumerGroupInfo{}, broker.ErrGroupNotFound(group)
	}
	return broker.ConsumerGroupInfo{GroupID: group, Members: members, Offsets: offsets}, nil
}

func (b *Broker) GetLatestOffset(ctx context.Context, topic string, partitionID int) (int64, error) {
	key := b.streamKey(topic, partitionID)
	info, err := b.client.XInfoStream(ctx, key).Result()
	if err != nil {
		return 0, broker.ErrTransport(err)
	}
	return redisIDToOffset(info.LastGeneratedID), nil
}

func (b *Broker) GetEarliestOffset(ctx context.Context, topic string, partitionID int) (int64, error) {
	key := b.streamKey(topic, partitionID)
	entries, err := b.client.XRange(ctx, key, "-", "+").Result()
	if err != nil || len(entries) == 0 {
		return 0, nil
	}
	return redisIDToOffset(entries[0].ID), nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

// Subscription is the Redis Streams pull-style subscription handle.
type Subscription struct {
	broker     *Broker
	groupID    string
	consumer   string
	autoCommit bool
	streams    map[string][]int // topic -> partition ids
	closed     bool
}

func (s *Subscription) Next(ctx context.Context) (*broker.ConsumerRecord, error) {
	if s.closed {
		return nil, errors.New(errors.CodeUnavailable, "subscription closed", nil)
	}

	var keys []string
	var ids []string
	type loc struct {
		topic string
		part  int
	}
	var locs []loc
	for topic, parts := range s.streams {
		for _, pid := range parts {
			keys = append(keys, s.broker.streamKey(topic, pid))
			locs = append(locs, loc{topic, pid})
		}
	}
	for range keys {
		ids = append(ids, ">")
	}

	res, err := s.broker.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.groupID,
		Consumer: s.consumer,
		Streams:  append(keys, ids...),
		Count:    1,
		Block:    s.broker.cfg.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return s.Next(ctx) // no new entries this poll, keep waiting
	}
	if err != nil {
		return nil, broker.ErrTransport(err)
	}

	for _, stream := range res {
		for i, key := range keys {
			if key != stream.Stream {
				continue
			}
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["envelope"].(string)
				rec := &broker.ConsumerRecord{
					Topic:     locs[i].topic,
					Partition: locs[i].part,
					Offset:    redisIDToOffset(msg.ID),
					Envelope:  []byte(raw),
					Timestamp: time.Now(),
				}
				if s.autoCommit {
					s.broker.client.XAck(ctx, key, s.groupID, msg.ID)
				}
				return rec, nil
			}
		}
	}
	return s.Next(ctx)
}

func (s *Subscription) Commit(ctx context.Context, rec *broker.ConsumerRecord) error {
	key := s.broker.streamKey(rec.Topic, rec.Partition)
	id := strconv.FormatInt(rec.Offset, 10) + "-0"
	return s.broker.client.XAck(ctx, key, s.groupID, id).Err()
}

func (s *Subscription) SeekToBeginning(ctx context.Context, partition *int) error {
	for topic, parts := range s.streams {
		for _, pid := range parts {
			if partition != nil && *partition != pid {
				continue
			}
			key := s.broker.streamKey(topic, pid)
			s.broker.client.XGroupSetID(ctx, key, s.groupID, "0")
		}
	}
	return nil
}

func (s *Subscription) SeekToEnd(ctx context.Context, partition *int) error {
	for topic, parts := range s.streams {
		for _, pid := range parts {
			if partition != nil && *partition != pid {
				continue
			}
			key := s.broker.streamKey(topic, pid)
			s.broker.client.XGroupSetID(ctx, key, s.groupID, "$")
		}
	}
	return nil
}

func (s *Subscription) SeekToOffset(ctx context.Context, partitionID int, offset int64) error {
	for topic, parts := range s.streams {
		for _, pid := range parts {
			if pid != partitionID {
				continue
			}
			key := s.broker.streamKey(topic, pid)
			id := strconv.FormatInt(offset, 10) + "-0"
			s.broker.client.XGroupSetID(ctx, key, s.groupID, id)
		}
	}
	return nil
}

func (s *Subscription) Close() error {
	s.closed = true
	return nil
}
