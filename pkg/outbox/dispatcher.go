package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lattice-events/eventcore/pkg/broker"
	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/localbus"
	"github.com/lattice-events/eventcore/pkg/logger"
	"github.com/lattice-events/eventcore/pkg/resilience"
)

// Dispatcher runs the three cooperative loops that move staged outbox
// entries to the broker: dispatch, retry, and cleanup. Each loop selects
// on ctx.Done() so cancellation lands within one iteration.
type Dispatcher struct {
	store  Store
	broker broker.Broker
	cfg    DispatcherConfig
	bus    localbus.Bus

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. cfg.NodeID is not read here: the
// claimed_by value comes from the node ID the Store was opened with (see
// NewGormStore). bus may be nil, in which case lifecycle notifications
// are simply not published.
func NewDispatcher(store Store, b broker.Broker, cfg DispatcherConfig, bus localbus.Bus) *Dispatcher {
	return &Dispatcher{store: store, broker: b, cfg: cfg, bus: bus}
}

func (d *Dispatcher) notify(ctx context.Context, topic string, payload interface{}) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, localbus.Event{Topic: topic, Timestamp: time.Now(), Payload: payload})
}

// Run starts the dispatch, retry, and cleanup loops and blocks until ctx
// is canceled, at which point it waits for the current iteration of each
// loop to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(3)
	go d.dispatchLoop(ctx)
	go d.retryLoop(ctx)
	go d.cleanupLoop(ctx)
	d.wg.Wait()
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	entries, err := d.store.GetPendingEntries(ctx, d.cfg.BatchSize, nil)
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to fetch pending outbox entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	byTenant := make(map[string][]*Entry)
	for _, e := range entries {
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	var wg sync.WaitGroup
	for tenant, tenantEntries := range byTenant {
		sort.Slice(tenantEntries, func(i, j int) bool {
			return tenantEntries[i].CreatedAt.Before(tenantEntries[j].CreatedAt)
		})
		wg.Add(1)
		go func(tenant string, batch []*Entry) {
			defer wg.Done()
			for _, e := range batch {
				d.dispatchEntry(ctx, e)
			}
		}(tenant, tenantEntries)
	}
	wg.Wait()
}

func (d *Dispatcher) dispatchEntry(ctx context.Context, e *Entry) {
	key := e.TenantID
	if env, derr := envelope.Decode([]byte(e.EnvelopeData)); derr == nil {
		if pk, perr := env.PartitionKey(); perr == nil {
			key = pk
		}
	}
	retryCfg := resilience.RetryConfig{MaxAttempts: 1}
	err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		_, err := d.broker.Publish(ctx, e.Topic, []byte(e.EnvelopeData), key)
		return err
	})
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to dispatch outbox entry", "id", e.ID, "envelope_id", e.EnvelopeID, "error", err)
		if uerr := d.store.UpdateStatus(ctx, e.ID, StatusFailed, err.Error()); uerr != nil {
			logger.L().ErrorContext(ctx, "failed to mark outbox entry failed", "id", e.ID, "error", uerr)
		}
		d.notify(ctx, localbus.TopicOutboxFailed, e.EnvelopeID)
		return
	}
	if uerr := d.store.UpdateStatus(ctx, e.ID, StatusPublished, ""); uerr != nil {
		logger.L().ErrorContext(ctx, "failed to mark outbox entry published", "id", e.ID, "error", uerr)
	}
	d.notify(ctx, localbus.TopicOutboxPublished, e.EnvelopeID)
}

func (d *Dispatcher) retryLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.RetryInterval
	if interval <= 0 {
		interval = 10 * d.cfg.DispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.retryOnce(ctx)
		}
	}
}

func (d *Dispatcher) retryOnce(ctx context.Context) {
	entries, err := d.store.GetFailedEntries(ctx, d.cfg.BatchSize, d.cfg.MaxRetries)
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to fetch failed outbox entries", "error", err)
		return
	}
	for _, e := range entries {
		d.dispatchEntry(ctx, e)
	}
}

func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transitioned, deleted, err := d.store.CleanupExpired(ctx, d.cfg.RetentionDays)
			if err != nil {
				logger.L().ErrorContext(ctx, "failed to clean up expired outbox entries", "error", err)
				continue
			}
			if transitioned > 0 || deleted > 0 {
				logger.L().InfoContext(ctx, "expired outbox entries cleaned up", "transitioned", transitioned, "deleted", deleted)
			}
		}
	}
}
