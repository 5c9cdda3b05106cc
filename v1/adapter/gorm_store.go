package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultGormTableName = "latch_records"
	defaultGormOpTimeout = 5 * time.Second
)

// gormRecord is the row used to store versioned records in the database.
type gormRecord struct {
	Key       string     `gorm:"primaryKey;column:key_id"`
	Version   uint64     `gorm:"column:version"`
	Data      []byte     `gorm:"column:data"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
}

// GormStore implements Store on a SQL database through GORM. The version
// check is part of the UPDATE predicate, so the database serializes racing
// writers.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// The table is created when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormRecord{}); err != nil {
			return nil, translate(err)
		}
	}
	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		now:       time.Now,
	}, nil
}

func (s *GormStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

// Load implements Store.Load.
func (s *GormStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormRecord
	err := s.db.WithContext(cctx).Table(s.tableName).First(&row, "key_id = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, translate(err)
	}
	if row.ExpiresAt != nil && !s.now().Before(*row.ExpiresAt) {
		return Record{}, false, nil
	}
	return Record{Version: row.Version, Data: row.Data}, true, nil
}

// Create implements Store.Create.
func (s *GormStore) Create(ctx context.Context, key string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	db := s.db.WithContext(cctx).Table(s.tableName)
	// An expired row still occupies the primary key.
	if err := db.Where("key_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, s.now()).
		Delete(&gormRecord{}).Error; err != nil {
		return false, translate(err)
	}
	row := gormRecord{Key: key, Version: rec.Version, Data: rec.Data, ExpiresAt: s.expiry(rec.TTL)}
	res := s.db.WithContext(cctx).Table(s.tableName).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *GormStore) CompareAndSwap(ctx context.Context, key string, expected uint64, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).
		Where("key_id = ? AND version = ?", key, expected).
		Where("(expires_at IS NULL OR expires_at > ?)", s.now()).
		Updates(map[string]any{
			"version":    next.Version,
			"data":       next.Data,
			"expires_at": s.expiry(next.TTL),
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}
