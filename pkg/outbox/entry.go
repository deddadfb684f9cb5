package outbox

import "time"

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Entry is a single row in the outbox table. The unique index on
// EnvelopeID guarantees a single outbox row per envelope even when the
// enclosing business transaction is retried.
type Entry struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"index:idx_tenant_status"`
	EnvelopeID   string `gorm:"uniqueIndex"`
	Topic        string
	EnvelopeData string `gorm:"type:json"`
	Status       Status `gorm:"index:idx_status_created;index:idx_tenant_status"`

	CreatedAt   time.Time `gorm:"index:idx_status_created"`
	PublishedAt *time.Time
	FailedAt    *time.Time

	RetryCount int
	LastError  string
	ExpiresAt  *time.Time `gorm:"index"`

	// ClaimedBy/ClaimedAt implement the SKIP-LOCKED fallback for stores
	// (SQLite) without native row-locking support: a worker compare-and-sets
	// ClaimedBy to its own node ID before dispatching a row.
	ClaimedBy string
	ClaimedAt *time.Time
}

func (Entry) TableName() string {
	return "outbox_entries"
}

// Stats summarizes the outbox's current state for observability.
type Stats struct {
	Pending   int64
	Published int64
	Failed    int64
	Expired   int64
}
