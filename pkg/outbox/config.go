package outbox

import "time"

// Driver names the relational backend the outbox store runs on.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Config configures the outbox's relational connection, mirroring the
// library's generic database connection settings narrowed to what this
// single-purpose store needs.
type Config struct {
	Driver Driver `env:"OUTBOX_DB_DRIVER" env-default:"postgres"`

	Host     string `env:"OUTBOX_DB_HOST" env-default:"localhost"`
	Port     string `env:"OUTBOX_DB_PORT" env-default:"5432"`
	User     string `env:"OUTBOX_DB_USER"`
	Password string `env:"OUTBOX_DB_PASSWORD"`
	Name     string `env:"OUTBOX_DB_NAME" env-default:"eventcore"`
	SSLMode  string `env:"OUTBOX_DB_SSLMODE" env-default:"disable"`

	MaxIdleConns    int           `env:"OUTBOX_DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"OUTBOX_DB_MAX_OPEN_CONNS" env-default:"50"`
	ConnMaxLifetime time.Duration `env:"OUTBOX_DB_CONN_MAX_LIFETIME" env-default:"1h"`
}

// DispatcherConfig configures the three cooperative dispatch loops.
type DispatcherConfig struct {
	DispatchInterval time.Duration `env:"OUTBOX_DISPATCH_INTERVAL" env-default:"1s"`
	RetryInterval    time.Duration `env:"OUTBOX_RETRY_INTERVAL" env-default:"10s"`
	CleanupInterval  time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" env-default:"5m"`

	BatchSize        int `env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	MaxRetries       int `env:"OUTBOX_MAX_RETRIES" env-default:"5"`
	RetentionDays    int `env:"OUTBOX_RETENTION_DAYS" env-default:"7"`
	NodeID           string
}
