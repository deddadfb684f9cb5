package metrics

import (
	"context"

	"github.com/lattice-events/eventcore/pkg/localbus"
)

// SubscribeLocalBus wires the outbox and dedupe lifecycle topics into
// the package's counters, keeping the metrics package decoupled from
// pkg/outbox and pkg/dedupe beyond the shared localbus.Event contract.
func SubscribeLocalBus(bus localbus.Bus) error {
	subs := []struct {
		topic   string
		counter func()
	}{
		{localbus.TopicOutboxPublished, func() { PublishCount.WithLabelValues("", "published").Inc() }},
		{localbus.TopicOutboxFailed, func() { PublishCount.WithLabelValues("", "failed").Inc() }},
		{localbus.TopicDedupeProcessed, func() { DedupeProcessed.Inc() }},
		{localbus.TopicDedupeSkipped, func() { DedupeSkipped.WithLabelValues("duplicate_or_poison").Inc() }},
	}

	for _, sub := range subs {
		counter := sub.counter
		if err := bus.Subscribe(context.Background(), sub.topic, func(ctx context.Context, event localbus.Event) error {
			counter()
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
