// Package outbox implements the transactional outbox pattern: business
// writes stage an envelope in the same database transaction, and a
// separate Dispatcher later publishes staged entries to the broker.
//
// Grounded on the library's pkg/database/sql/adapters/postgres and
// .../sqlite for connection-pool setup and error-wrapping conventions,
// generalized from its multi-backend sql.SQL interface down to the one
// Store this component needs.
package outbox

import (
	"context"
	"time"

	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/errors"
	"gorm.io/gorm"
)

// Store persists and queries outbox entries.
type Store interface {
	CreateEntry(ctx context.Context, tx *gorm.DB, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error

	// GetPendingEntries claims up to limit pending entries (optionally
	// scoped to one tenant) for dispatch. On Postgres this issues
	// SELECT ... FOR UPDATE SKIP LOCKED inside a transaction; on stores
	// without SKIP LOCKED it falls back to a claimed_by compare-and-set.
	GetPendingEntries(ctx context.Context, limit int, tenant *string) ([]*Entry, error)

	GetFailedEntries(ctx context.Context, limit int, maxRetries int) ([]*Entry, error)

	// CleanupExpired transitions rows past ExpiresAt to StatusExpired and
	// deletes StatusExpired rows older than retention.
	CleanupExpired(ctx context.Context, retentionDays int) (transitioned int64, deleted int64, err error)

	Stats(ctx context.Context) (Stats, error)
}

// entryFromEnvelope builds an Entry ready for insertion from an envelope
// and a TTL (zero means no expiry).
func entryFromEnvelope(env *envelope.Envelope, data []byte, ttlSeconds int64) (*Entry, error) {
	e := &Entry{
		ID:           env.ID,
		TenantID:     env.TenantID,
		EnvelopeID:   env.ID,
		Topic:        env.Topic(),
		EnvelopeData: string(data),
		Status:       StatusPending,
	}
	if ttlSeconds > 0 {
		exp := env.OccurredAt.Add(time.Duration(ttlSeconds) * time.Second)
		e.ExpiresAt = &exp
	}
	return e, nil
}

func wrapNotFound(id string) error {
	return errors.New(errors.NotFoundError, "outbox entry not found: "+id, nil)
}
