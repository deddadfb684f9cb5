package broker

import (
	"context"
	"time"

	"github.com/lattice-events/eventcore/pkg/resilience"
)

// ResilientConfig configures the resilient broker wrapper.
type ResilientConfig struct {
	CircuitBreakerEnabled   bool          `env:"BROKER_CB_ENABLED" env-default:"true"`
	CircuitBreakerThreshold int64         `env:"BROKER_CB_THRESHOLD" env-default:"5"`
	CircuitBreakerTimeout   time.Duration `env:"BROKER_CB_TIMEOUT" env-default:"30s"`

	RetryEnabled     bool          `env:"BROKER_RETRY_ENABLED" env-default:"true"`
	RetryMaxAttempts int           `env:"BROKER_RETRY_MAX" env-default:"3"`
	RetryBackoff     time.Duration `env:"BROKER_RETRY_BACKOFF" env-default:"100ms"`
}

// ResilientBroker wraps a Broker with circuit breaker and retry support on
// Connect, Publish and CommitOffset. Disconnect, the topic and
// consumer-group admin calls, the offset queries and Healthy pass straight
// through to the wrapped Broker. Subscriptions are returned unwrapped since
// retrying a stateful stream is the subscriber's concern, not the
// broker's.
type ResilientBroker struct {
	broker   Broker
	cb       *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// NewResilientBroker wraps a broker with resilience features.
func NewResilientBroker(b Broker, cfg ResilientConfig) *ResilientBroker {
	rb := &ResilientBroker{broker: b}

	if cfg.CircuitBreakerEnabled {
		rb.cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "broker",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	if cfg.RetryEnabled {
		rb.retryCfg = resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		}
	}

	return rb
}

func (rb *ResilientBroker) execute(ctx context.Context, fn resilience.Executor) error {
	operation := fn

	if rb.cb != nil {
		cbFn := operation
		operation = func(ctx context.Context) error {
			return rb.cb.Execute(ctx, cbFn)
		}
	}

	if rb.retryCfg.MaxAttempts > 0 {
		return resilience.Retry(ctx, rb.retryCfg, operation)
	}

	return operation(ctx)
}

func (rb *ResilientBroker) Connect(ctx context.Context) error {
	return rb.execute(ctx, rb.broker.Connect)
}

func (rb *ResilientBroker) Disconnect(ctx context.Context) error {
	return rb.broker.Disconnect(ctx)
}

func (rb *ResilientBroker) Publish(ctx context.Context, topic string, envelopeJSON []byte, partitionKey string) (PublishResult, error) {
	var res PublishResult
	err := rb.execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = rb.broker.Publish(ctx, topic, envelopeJSON, partitionKey)
		return err
	})
	return res, err
}

func (rb *ResilientBroker) Subscribe(ctx context.Context, topics []string, groupID string, autoCommit bool) (Subscription, error) {
	return rb.broker.Subscribe(ctx, topics, groupID, autoCommit)
}

func (rb *ResilientBroker) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64) error {
	return rb.execute(ctx, func(ctx context.Context) error {
		return rb.broker.CommitOffset(ctx, group, topic, partition, offset)
	})
}

func (rb *ResilientBroker) CreateTopic(ctx context.Context, name string, partitions int, replication int, config map[string]string) error {
	return rb.broker.CreateTopic(ctx, name, partitions, replication, config)
}

func (rb *ResilientBroker) DeleteTopic(ctx context.Context, name string) error {
	return rb.broker.DeleteTopic(ctx, name)
}

func (rb *ResilientBroker) ListTopics(ctx context.Context) ([]string, error) {
	return rb.broker.ListTopics(ctx)
}

func (rb *ResilientBroker) GetTopicInfo(ctx context.Context, name string) (TopicInfo, error) {
	return rb.broker.GetTopicInfo(ctx, name)
}

func (rb *ResilientBroker) ListConsumerGroups(ctx context.Context) ([]string, error) {
	return rb.broker.ListConsumerGroups(ctx)
}

func (rb *ResilientBroker) DeleteConsumerGroup(ctx context.Context, group string) error {
	return rb.broker.DeleteConsumerGroup(ctx, group)
}

func (rb *ResilientBroker) GetConsumerGroupInfo(ctx context.Context, group string) (ConsumerGroupInfo, error) {
	return rb.broker.GetConsumerGroupInfo(ctx, group)
}

func (rb *ResilientBroker) GetLatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return rb.broker.GetLatestOffset(ctx, topic, partition)
}

func (rb *ResilientBroker) GetEarliestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	return rb.broker.GetEarliestOffset(ctx, topic, partition)
}

func (rb *ResilientBroker) Healthy(ctx context.Context) bool {
	return rb.broker.Healthy(ctx)
}

// CircuitBreakerState returns the current circuit breaker state.
func (rb *ResilientBroker) CircuitBreakerState() resilience.State {
	if rb.cb == nil {
		return ""
	}
	return rb.cb.State()
}
