// Package memory is the in-memory reference broker adapter, intended for
// tests and single-process deployments. It fully implements pkg/broker's
// Broker contract.
//
// Grounded on the bounded-FIFO-per-partition, drop-and-count design of
// EricLarwa's internal/broker (types.go's Partition/Topic shapes) and on
// the library's own pkg/messaging/adapters/memory contract (its
// implementation file wasn't retrieved, but memory_test.go establishes
// memory.New(memory.Config{...}) and a broker-conformance test runner
// call style).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-events/eventcore/pkg/broker"
	"github.com/lattice-events/eventcore/pkg/errors"
	"github.com/lattice-events/eventcore/pkg/partition"
)

// Config configures the in-memory broker.
type Config struct {
	// MaxMessagesPerTopic bounds each partition's FIFO. Oldest messages
	// are dropped (and counted) once the bound is hit.
	MaxMessagesPerTopic int `env:"BROKER_MEMORY_MAX_MESSAGES" env-default:"10000"`

	// DefaultPartitions is used when a topic auto-creates on first publish.
	DefaultPartitions int `env:"BROKER_MEMORY_DEFAULT_PARTITIONS" env-default:"3"`

	// SubscriberQueueDepth bounds each subscriber's delivery queue.
	SubscriberQueueDepth int `env:"BROKER_MEMORY_SUB_QUEUE_DEPTH" env-default:"1000"`
}

type record struct {
	offset    int64
	payload   []byte
	timestamp time.Time
}

type topicPartition struct {
	mu       sync.RWMutex
	records  []record
	nextOff  int64
	dropped  int64
	maxLen   int
	subs     []*subscriberQueue
}

type topic struct {
	mu         sync.RWMutex
	name       string
	partitions map[int]*topicPartition
}

type subscriberQueue struct {
	ch     chan *broker.ConsumerRecord
	closed chan struct{}
	once   sync.Once
}

func (q *subscriberQueue) push(rec *broker.ConsumerRecord) {
	select {
	case q.ch <- rec:
	default:
		// overflow: drop silently, never block the publisher.
	}
}

func (q *subscriberQueue) close() {
	q.once.Do(func() { close(q.closed) })
}

// Broker is the in-memory Broker implementation.
type Broker struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	groupsMu sync.Mutex
	groups   map[string]*groupState // groupID -> state

	connected bool
}

type groupState struct {
	mu      sync.Mutex
	offsets map[string]map[int]int64 // topic -> partition -> committed offset
	members []string
}

// New creates a new in-memory broker.
func New(cfg Config) *Broker {
	if cfg.MaxMessagesPerTopic <= 0 {
		cfg.MaxMessagesPerTopic = 10000
	}
	if cfg.DefaultPartitions <= 0 {
		cfg.DefaultPartitions = 3
	}
	if cfg.SubscriberQueueDepth <= 0 {
		cfg.SubscriberQueueDepth = 1000
	}
	return &Broker{
		cfg:    cfg,
		topics: make(map[string]*topic),
		groups: make(map[string]*groupState),
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for _, t := range b.topics {
		t.mu.RLock()
		for _, p := range t.partitions {
			p.mu.Lock()
			for _, s := range p.subs {
				s.close()
			}
			p.mu.Unlock()
		}
		t.mu.RUnlock()
	}
	return nil
}

func (b *Broker) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, partitions: make(map[int]*topicPartition)}
		for i := 0; i < b.cfg.DefaultPartitions; i++ {
			// nextOff starts at 1, not 0: offsets are 1-based here, matching
			// the ground-truth message counter this adapter is modeled on
			// (incremented before the first message is assigned an id).
			t.partitions[i] = &topicPartition{maxLen: b.cfg.MaxMessagesPerTopic, nextOff: 1}
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, topicName string, envelopeJSON []byte, partitionKey string) (broker.PublishResult, error) {
	t := b.getOrCreateTopic(topicName)

	t.mu.RLock()
	numPartitions := len(t.partitions)
	t.mu.RUnlock()

	pid := partition.Assign(partitionKey, numPartitions)

	t.mu.RLock()
	p := t.partitions[pid]
	t.mu.RUnlock()

	p.mu.Lock()
	off := p.nextOff
	p.nextOff++
	now := time.Now()
	p.records = append(p.records, record{offset: off, payload: envelopeJSON, timestamp: now})
	if len(p.records) > p.maxLen {
		p.records = p.records[1:]
		p.dropped++
	}
	subs := append([]*subscriberQueue(nil), p.subs...)
	p.mu.Unlock()

	rec := &broker.ConsumerRecord{Topic: topicName, Partition: pid, Offset: off, Envelope: envelopeJSON, Timestamp: now}
	for _, s := range subs {
		s.push(rec)
	}

	return broker.PublishResult{EventID: "", Partition: pid, Offset: off, BrokerTimestamp: now}, nil
}

func (b *Broker) Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (broker.Subscription, error) {
	b.groupsMu.Lock()
	gs, ok := b.groups[groupID]
	if !ok {
		gs = &groupState{offsets: make(map[string]map[int]int64)}
		b.groups[groupID] = gs
	}
	gs.members = append(gs.members, groupID)
	b.groupsMu.Unlock()

	sub := &Subscription{
		broker:     b,
		groupID:    groupID,
		autoCommit: autoCommit,
		queue:      &subscriberQueue{ch: make(chan *broker.ConsumerRecord, b.cfg.SubscriberQueueDepth), closed: make(chan struct{})},
		topics:     append([]string(nil), topics...),
	}

	for _, name := range topics {
		t := b.getOrCreateTopic(name)
		t.mu.RLock()
		for pid, p := range t.partitions {
			gs.mu.Lock()
			if gs.offsets[name] == nil {
				gs.offsets[name] = make(map[int]int64)
			}
			committed, has := gs.offsets[name][pid]
			gs.mu.Unlock()

			p.mu.Lock()
			p.subs = append(p.subs, sub.queue)
			var backlog []record
			if has {
				for _, r := range p.records {
					if r.offset > committed {
						backlog = append(backlog, r)
					}
				}
			} else {
				backlog = append(backlog, p.records...)
			}
			p.mu.Unlock()

			for _, r := range backlog {
				sub.queue.push(&broker.ConsumerRecord{Topic: name, Partition: pid, Offset: r.offset, Envelope: r.payload, Timestamp: r.timestamp})
			}
		}
		t.mu.RUnlock()
	}

	return sub, nil
}

func (b *Broker) CommitOffset(ctx context.Context, group, topicName string, part int, offset int64) error {
	b.groupsMu.Lock()
	gs, ok := b.groups[group]
	if !ok {
		b.groupsMu.Unlock()
		return broker.ErrGroupNotFound(group)
	}
	b.groupsMu.Unlock()

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.offsets[topicName] == nil {
		gs.offsets[topicName] = make(map[int]int64)
	}
	gs.offsets[topicName][part] = offset
	return nil
}

func (b *Broker) CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return broker.ErrTopicAlreadyExists(name)
	}
	if partitions <= 0 {
		partitions = b.cfg.DefaultPartitions
	}
	t := &topic{name: name, partitions: make(map[int]*topicPartition)}
	for i := 0; i < partitions; i++ {
		t.partitions[i] = &topicPartition{nextOff: 1, maxLen: b.cfg.MaxMessagesPerTopic}
	}
	b.topics[name] = t
	return nil
}

func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return broker.ErrTopicNotFound(name)
	}
	delete(b.topics, name)
	return nil
}

func (b *Broker) ListTopics(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names, nil
}

func (b *Broker) GetTopicInfo(ctx context.Context, name string) (broker.TopicInfo, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return broker.TopicInfo{}, broker.ErrTopicNotFound(name)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return broker.TopicInfo{Name: name, Partitions: len(t.partitions), Replicas: 1}, nil
}

func (b *Broker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	names := make([]string, 0, len(b.groups))
	for name := range b.groups {
		names = append(names, name)
	}
	return names, nil
}

func (b *Broker) DeleteConsumerGroup(ctx context.Context, group string) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	if _, ok := b.groups[group]; !ok {
		return broker.ErrGroupNotFound(group)
	}
	delete(b.groups, group)
	return nil
}

func (b *Broker) GetConsumerGroupInfo(ctx context.Context, group string) (broker.ConsumerGroupInfo, error) {
	b.groupsMu.Lock()
	gs, ok := b.groups[group]
	b.groupsMu.Unlock()
	if !ok {
		return broker.ConsumerGroupInfo{}, broker.ErrGroupNotFound(group)
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return broker.ConsumerGroupInfo{GroupID: group, Members: gs.members, Offsets: gs.offsets}, nil
}

func (b *Broker) GetLatestOffset(ctx context.Context, topicName string, part int) (int64, error) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0, broker.ErrTopicNotFound(topicName)
	}
	t.mu.RLock()
	p, ok := t.partitions[part]
	t.mu.RUnlock()
	if !ok {
		return 0, errors.New(errors.CodeInvalidArgument, "partition out of range", nil)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextOff - 1, nil
}

func (b *Broker) GetEarliestOffset(ctx context.Context, topicName string, part int) (int64, error) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0, broker.ErrTopicNotFound(topicName)
	}
	t.mu.RLock()
	p, ok := t.partitions[part]
	t.mu.RUnlock()
	if !ok {
		return 0, errors.New(errors.CodeInvalidArgument, "partition out of range", nil)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.records) == 0 {
		return p.nextOff, nil
	}
	return p.records[0].offset, nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// DroppedCount returns how many messages have been dropped from a
// partition's FIFO due to the MaxMessagesPerTopic bound, for test
// assertions.
func (b *Broker) DroppedCount(topicName string, part int) int64 {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.RLock()
	p, ok := t.partitions[part]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Subscription is the in-memory pull-style subscription handle.
type Subscription struct {
	broker     *Broker
	groupID    string
	autoCommit bool
	queue      *subscriberQueue
	topics     []string
}

func (s *Subscription) Next(ctx context.Context) (*broker.ConsumerRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.queue.closed:
		return nil, errors.New(errors.CodeUnavailable, "subscription closed", nil)
	case rec := <-s.queue.ch:
		if s.autoCommit {
			_ = s.broker.CommitOffset(ctx, s.groupID, rec.Topic, rec.Partition, rec.Offset)
		}
		return rec, nil
	}
}

func (s *Subscription) Commit(ctx context.Context, rec *broker.ConsumerRecord) error {
	return s.broker.CommitOffset(ctx, s.groupID, rec.Topic, rec.Partition, rec.Offset)
}

func (s *Subscription) SeekToBeginning(ctx context.Context, part *int) error {
	return s.reposition(part, func(p *topicPartition) int64 {
		if len(p.records) == 0 {
			return p.nextOff
		}
		return p.records[0].offset - 1
	})
}

func (s *Subscription) SeekToEnd(ctx context.Context, part *int) error {
	return s.reposition(part, func(p *topicPartition) int64 {
		return p.nextOff - 1
	})
}

func (s *Subscription) SeekToOffset(ctx context.Context, part int, offset int64) error {
	target := part
	return s.reposition(&target, func(p *topicPartition) int64 {
		return offset - 1
	})
}

// reposition sets the committed offset for the given partition (or every
// partition of every subscribed topic when part is nil) and re-delivers
// the backlog after that offset, draining whatever was already queued so
// the next Next() reflects the new position.
func (s *Subscription) reposition(part *int, target func(p *topicPartition) int64) error {
	s.broker.groupsMu.Lock()
	gs, ok := s.broker.groups[s.groupID]
	s.broker.groupsMu.Unlock()
	if !ok {
		return broker.ErrGroupNotFound(s.groupID)
	}

	s.broker.mu.RLock()
	topics := make([]*topic, 0, len(s.topics))
	for _, name := range s.topics {
		if t, ok := s.broker.topics[name]; ok {
			topics = append(topics, t)
		}
	}
	s.broker.mu.RUnlock()

	var backlog []*broker.ConsumerRecord
	for _, t := range topics {
		t.mu.RLock()
		for pid, p := range t.partitions {
			if part != nil && pid != *part {
				continue
			}
			p.mu.Lock()
			after := target(p)

			gs.mu.Lock()
			if gs.offsets[t.name] == nil {
				gs.offsets[t.name] = make(map[int]int64)
			}
			gs.offsets[t.name][pid] = after
			gs.mu.Unlock()

			for _, r := range p.records {
				if r.offset > after {
					backlog = append(backlog, &broker.ConsumerRecord{Topic: t.name, Partition: pid, Offset: r.offset, Envelope: r.payload, Timestamp: r.timestamp})
				}
			}
			p.mu.Unlock()
		}
		t.mu.RUnlock()
	}

	drain(s.queue.ch)
	for _, r := range backlog {
		s.queue.push(r)
	}
	return nil
}

func drain(ch chan *broker.ConsumerRecord) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Subscription) Close() error {
	s.queue.close()
	return nil
}
