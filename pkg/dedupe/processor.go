package dedupe

import (
	"context"
	"time"

	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/localbus"
	"github.com/lattice-events/eventcore/pkg/logger"
)

// Outcome distinguishes why a wrapped handler did or didn't run.
type Outcome string

const (
	OutcomeProcessed Outcome = "process"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePoison    Outcome = "poison"
)

// Config configures the Processor.
type Config struct {
	TTL         time.Duration `env:"DEDUPE_TTL" env-default:"1h"`
	MaxAttempts int           `env:"DEDUPE_MAX_ATTEMPTS" env-default:"5"`
	CleanupEvery time.Duration `env:"DEDUPE_CLEANUP_INTERVAL" env-default:"5m"`
}

// Handler processes one envelope.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Processor converts at-least-once broker delivery into exactly-once
// processing per consumer group.
type Processor struct {
	store  Store
	cfg    Config
	nodeID string
	bus    localbus.Bus
}

// NewProcessor constructs a Processor over store.
func NewProcessor(store Store, cfg Config, nodeID string) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Processor{store: store, cfg: cfg, nodeID: nodeID}
}

// WithBus attaches a localbus.Bus that receives TopicDedupeProcessed and
// TopicDedupeSkipped notifications from Wrap.
func (p *Processor) WithBus(bus localbus.Bus) *Processor {
	p.bus = bus
	return p
}

func (p *Processor) notify(ctx context.Context, topic string, payload interface{}) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, localbus.Event{Topic: topic, Timestamp: time.Now(), Payload: payload})
}

// ShouldProcess implements the decision table: a missing or expired
// record claims processing; a completed record skips; a processing
// record (owned by another worker) skips; a failed record under the
// attempt ceiling retries; a failed record at the ceiling is poison and
// skips permanently.
//
// On store failure it fails open (returns process=true) so broker
// delivery isn't blocked by a dedupe store outage; this is logged at
// ERROR rather than treated as success.
func (p *Processor) ShouldProcess(ctx context.Context, key string) (outcome Outcome, err error) {
	rec, ok, err := p.store.Get(ctx, key)
	if err != nil {
		logger.L().ErrorContext(ctx, "dedupe store unavailable, failing open", "key", key, "error", err)
		return OutcomeProcessed, nil
	}

	now := time.Now()
	if !ok || rec.expired(now) {
		return p.claim(ctx, key, 0)
	}

	switch rec.Status {
	case StatusCompleted:
		return OutcomeDuplicate, nil
	case StatusProcessing:
		return OutcomeDuplicate, nil
	case StatusFailed:
		if rec.AttemptCount < p.cfg.MaxAttempts {
			return p.claim(ctx, key, rec.AttemptCount)
		}
		return OutcomePoison, nil
	default:
		return OutcomeDuplicate, nil
	}
}

func (p *Processor) claim(ctx context.Context, key string, attempt int) (Outcome, error) {
	now := time.Now()
	rec := Record{
		Status:         StatusProcessing,
		AttemptCount:   attempt,
		ProcessingNode: p.nodeID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(p.cfg.TTL),
	}

	won, err := p.store.SetNX(ctx, key, rec, p.cfg.TTL)
	if err != nil {
		logger.L().ErrorContext(ctx, "dedupe store unavailable, failing open", "key", key, "error", err)
		return OutcomeProcessed, nil
	}
	if won {
		return OutcomeProcessed, nil
	}

	// Lost the race: SetNX only refuses when a live record already exists,
	// so re-read it before deciding. Only a genuinely failed-or-expired
	// record (the prior owner crashed or exhausted retries under the
	// ceiling) is safe to take over; a fresh processing or completed
	// record means another worker already won this key and we must treat
	// this as a duplicate rather than also running the handler.
	current, ok, err := p.store.Get(ctx, key)
	if err != nil {
		logger.L().ErrorContext(ctx, "dedupe store unavailable, failing open", "key", key, "error", err)
		return OutcomeProcessed, nil
	}
	switch {
	case !ok || current.expired(now):
	case current.Status == StatusFailed && current.AttemptCount < p.cfg.MaxAttempts:
	case current.Status == StatusFailed:
		return OutcomePoison, nil
	default:
		return OutcomeDuplicate, nil
	}

	if err := p.store.Set(ctx, key, rec, p.cfg.TTL); err != nil {
		logger.L().ErrorContext(ctx, "dedupe store unavailable, failing open", "key", key, "error", err)
		return OutcomeProcessed, nil
	}
	return OutcomeProcessed, nil
}

// MarkCompleted transitions key to completed.
func (p *Processor) MarkCompleted(ctx context.Context, key string) error {
	rec, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now()
	if !ok {
		rec = Record{CreatedAt: now}
	}
	rec.Status = StatusCompleted
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(p.cfg.TTL)
	return p.store.Set(ctx, key, rec, p.cfg.TTL)
}

// MarkFailed transitions key to failed and increments AttemptCount.
func (p *Processor) MarkFailed(ctx context.Context, key string, cause error) error {
	rec, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now()
	if !ok {
		rec = Record{CreatedAt: now, AttemptCount: 0}
	}
	rec.Status = StatusFailed
	rec.AttemptCount++
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(p.cfg.TTL)
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return p.store.Set(ctx, key, rec, p.cfg.TTL)
}

// Wrap returns a handler that consults the dedupe store before running
// next and updates the record afterward. Duplicate and poison envelopes
// are never passed to next, but are reported as a distinguishable
// Outcome so callers can still advance broker offsets.
func (p *Processor) Wrap(tenantID, consumerGroup string, next Handler) func(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
	return func(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
		key := Key(tenantID, consumerGroup, env.ID)

		outcome, err := p.ShouldProcess(ctx, key)
		if err != nil {
			return outcome, err
		}
		if outcome != OutcomeProcessed {
			p.notify(ctx, localbus.TopicDedupeSkipped, key)
			return outcome, nil
		}

		if err := next(ctx, env); err != nil {
			if merr := p.MarkFailed(ctx, key, err); merr != nil {
				logger.L().ErrorContext(ctx, "failed to mark dedupe record failed", "key", key, "error", merr)
			}
			return OutcomeProcessed, err
		}

		if err := p.MarkCompleted(ctx, key); err != nil {
			logger.L().ErrorContext(ctx, "failed to mark dedupe record completed", "key", key, "error", err)
		}
		p.notify(ctx, localbus.TopicDedupeProcessed, key)
		return OutcomeProcessed, nil
	}
}

// CleanupLoop scans for expired records and deletes them every
// cfg.CleanupEvery, mirroring the outbox dispatcher's cleanup loop shape
// and cancellation contract.
func (p *Processor) CleanupLoop(ctx context.Context) {
	interval := p.cfg.CleanupEvery
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupOnce(ctx)
		}
	}
}

func (p *Processor) cleanupOnce(ctx context.Context) {
	now := time.Now()
	var expiredKeys []string
	err := p.store.Scan(ctx, func(key string, rec Record) error {
		if rec.expired(now) {
			expiredKeys = append(expiredKeys, key)
		}
		return nil
	})
	if err != nil {
		logger.L().ErrorContext(ctx, "dedupe cleanup scan failed", "error", err)
		return
	}
	for _, key := range expiredKeys {
		if err := p.store.Delete(ctx, key); err != nil {
			logger.L().ErrorContext(ctx, "failed to delete expired dedupe record", "key", key, "error", err)
		}
	}
	if len(expiredKeys) > 0 {
		logger.L().InfoContext(ctx, "dedupe cleanup removed expired records", "count", len(expiredKeys))
	}
}
