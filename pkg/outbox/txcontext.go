package outbox

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/errors"
	"github.com/lattice-events/eventcore/pkg/localbus"
)

// TxContext stages outbox entries against a caller-owned database
// transaction. It never talks to the broker: the business transaction
// and the outbox insert commit together, and a Dispatcher picks up the
// row afterward.
type TxContext struct {
	store Store
	tx    *gorm.DB
	bus   localbus.Bus
}

// WithTx binds a TxContext to an open *gorm.DB transaction. Callers open
// the transaction themselves (for their own business writes) and pass it
// here so the outbox insert lands in the same commit.
func WithTx(store Store, tx *gorm.DB) *TxContext {
	return &TxContext{store: store, tx: tx}
}

// WithBus attaches a localbus.Bus that receives a TopicOutboxStaged
// notification after a successful Stage call.
func (c *TxContext) WithBus(bus localbus.Bus) *TxContext {
	c.bus = bus
	return c
}

// Stage inserts an outbox row for env, to be dispatched once the
// enclosing transaction commits. ttlSeconds of zero means no expiry.
func (c *TxContext) Stage(ctx context.Context, env *envelope.Envelope, ttlSeconds int64) error {
	if err := env.Validate(); err != nil {
		return errors.Wrap(err, "cannot stage invalid envelope")
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope for outbox")
	}

	e, err := entryFromEnvelope(env, data, ttlSeconds)
	if err != nil {
		return err
	}
	e.ID = uuid.New().String()

	if err := c.store.CreateEntry(ctx, c.tx, e); err != nil {
		return err
	}

	if c.bus != nil {
		_ = c.bus.Publish(ctx, localbus.Event{Topic: localbus.TopicOutboxStaged, Payload: env.ID})
	}
	return nil
}
