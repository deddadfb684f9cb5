// Package dedupe converts at-least-once broker delivery into
// exactly-once application processing, per consumer group.
//
// Store generalizes the library's pkg/cache.Cache with an atomic SetNX,
// the operation the "only one worker may claim processing" guarantee of
// the Processor needs and that the cache adapters already assume ad hoc
// (redis.go's direct Get/Set calls already assume single-key atomicity;
// this just names it as a first-class method).
package dedupe

import (
	"context"
	"time"
)

// RecordStatus is the lifecycle state of a dedupe record.
type RecordStatus string

const (
	StatusProcessing RecordStatus = "processing"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// Record tracks one envelope's processing state for one consumer group.
type Record struct {
	Status         RecordStatus `json:"status"`
	AttemptCount   int          `json:"attempt_count"`
	ProcessingNode string       `json:"processing_node"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists dedupe records keyed by <tenant_id>:<consumer_group>:<envelope_id>.
type Store interface {
	// Get returns the record for key, or ok=false if absent.
	Get(ctx context.Context, key string) (rec Record, ok bool, err error)

	// Set writes a record with a TTL. A TTL of 0 means no expiration.
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// SetNX atomically writes a record only if key does not already
	// exist, returning whether this call won the race.
	SetNX(ctx context.Context, key string, rec Record, ttl time.Duration) (won bool, err error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Scan iterates all dedupe keys for cleanup purposes.
	Scan(ctx context.Context, fn func(key string, rec Record) error) error

	Close() error
}

// Key derives the dedupe store key per the spec's
// <tenant_id>:<consumer_group>:<envelope_id> scheme.
func Key(tenantID, consumerGroup, envelopeID string) string {
	return tenantID + ":" + consumerGroup + ":" + envelopeID
}
