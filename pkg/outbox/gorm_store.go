package outbox

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lattice-events/eventcore/pkg/errors"
)

// GormStore is the gorm-backed Store implementation. Postgres uses
// SELECT ... FOR UPDATE SKIP LOCKED to claim pending rows concurrently
// across dispatcher nodes; SQLite, which has no SKIP LOCKED, falls back
// to a claimed_by compare-and-set on the same row set.
type GormStore struct {
	db     *gorm.DB
	driver Driver
	nodeID string
}

// NewGormStore opens a connection per cfg.Driver and runs the outbox
// schema migration.
func NewGormStore(cfg Config, nodeID string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		name := cfg.Name
		if name == "" {
			name = "outbox.db"
		}
		dialector = sqlite.Open(name)
	default:
		return nil, errors.New(errors.ValidationError, fmt.Sprintf("unsupported outbox driver %q", cfg.Driver), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to outbox store")
	}

	if cfg.Driver == DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get underlying sql.DB")
		}
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate outbox schema")
	}

	return &GormStore{db: db, driver: cfg.Driver, nodeID: nodeID}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateEntry(ctx context.Context, tx *gorm.DB, e *Entry) error {
	conn := s.db.WithContext(ctx)
	if tx != nil {
		conn = tx.WithContext(ctx)
	}
	if err := conn.Create(e).Error; err != nil {
		return errors.Wrap(err, "failed to stage outbox entry")
	}
	return nil
}

func (s *GormStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, wrapNotFound(id)
		}
		return nil, errors.Wrap(err, "failed to get outbox entry")
	}
	return &e, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	updates := map[string]interface{}{"status": status, "claimed_by": ""}
	now := time.Now()
	switch status {
	case StatusPublished:
		updates["published_at"] = now
	case StatusFailed:
		updates["failed_at"] = now
		updates["last_error"] = errMsg
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return errors.Wrap(err, "failed to update outbox entry status")
	}
	return nil
}

func (s *GormStore) GetPendingEntries(ctx context.Context, limit int, tenant *string) ([]*Entry, error) {
	if s.driver == DriverPostgres {
		return s.claimWithSkipLocked(ctx, limit, tenant)
	}
	return s.claimWithCompareAndSet(ctx, limit, tenant)
}

func (s *GormStore) claimWithSkipLocked(ctx context.Context, limit int, tenant *string) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND claimed_by = ?", StatusPending, "")
		if tenant != nil {
			q = q.Where("tenant_id = ?", *tenant)
		}
		if err := q.Order("created_at ASC").Limit(limit).Find(&entries).Error; err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.Model(&Entry{}).Where("id = ?", e.ID).
				Update("claimed_by", s.nodeID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim pending outbox entries")
	}
	return entries, nil
}

// claimWithCompareAndSet is the SKIP-LOCKED-less fallback: each candidate
// row is claimed one at a time via an UPDATE ... WHERE claimed_by = ''
// compare-and-set, so only one dispatcher node wins each row.
func (s *GormStore) claimWithCompareAndSet(ctx context.Context, limit int, tenant *string) ([]*Entry, error) {
	var candidates []*Entry
	q := s.db.WithContext(ctx).Where("status = ? AND claimed_by = ?", StatusPending, "")
	if tenant != nil {
		q = q.Where("tenant_id = ?", *tenant)
	}
	if err := q.Order("created_at ASC").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list pending outbox entries")
	}

	var claimed []*Entry
	for _, e := range candidates {
		res := s.db.WithContext(ctx).Model(&Entry{}).
			Where("id = ? AND claimed_by = ?", e.ID, "").
			Update("claimed_by", s.nodeID)
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "failed to claim outbox entry")
		}
		if res.RowsAffected == 1 {
			e.ClaimedBy = s.nodeID
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

func (s *GormStore) GetFailedEntries(ctx context.Context, limit int, maxRetries int) ([]*Entry, error) {
	var entries []*Entry
	now := time.Now()
	err := s.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", StatusFailed, maxRetries).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed outbox entries")
	}
	return entries, nil
}

func (s *GormStore) CleanupExpired(ctx context.Context, retentionDays int) (int64, int64, error) {
	now := time.Now()
	transition := s.db.WithContext(ctx).Model(&Entry{}).
		Where("status != ? AND expires_at IS NOT NULL AND expires_at <= ?", StatusExpired, now).
		Update("status", StatusExpired)
	if transition.Error != nil {
		return 0, 0, errors.Wrap(transition.Error, "failed to expire outbox entries")
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	deletion := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusExpired, cutoff).
		Delete(&Entry{})
	if deletion.Error != nil {
		return transition.RowsAffected, 0, errors.Wrap(deletion.Error, "failed to delete expired outbox entries")
	}

	return transition.RowsAffected, deletion.RowsAffected, nil
}

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		status Status
		dest   *int64
	}{
		{StatusPending, &stats.Pending},
		{StatusPublished, &stats.Published},
		{StatusFailed, &stats.Failed},
		{StatusExpired, &stats.Expired},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(&Entry{}).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return Stats{}, errors.Wrap(err, "failed to compute outbox stats")
		}
	}
	return stats, nil
}

// DB exposes the underlying *gorm.DB so callers can open a business
// transaction and pass it to TxContext.WithTx.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}
