// Package gormkv implements store.KV over gorm, backed by SQLite or
// Postgres, mirroring the connect-then-AutoMigrate pattern of the teacher's
// internal/database package. A single kv_entries table carries every
// keyspace the engine needs (mapper bindings, ledger deltas, journal
// entries, locks) — the Mapper, Ledger, and Journal packages own the shape
// of the values they store; this package only guarantees atomic reads,
// writes, and increments of opaque strings.
package gormkv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/uykb/hypefollow/store"
)

var logger_ = log.With().Str("component", "gormkv").Logger()

// entry is the single table backing every keyspace in the engine.
type entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

func (entry) TableName() string { return "kv_entries" }

// Store is a gorm-backed store.KV.
type Store struct {
	db *gorm.DB
}

// New opens dsn, dispatching to Postgres when dsn carries a postgres://
// scheme and falling back to SQLite otherwise — same detection the teacher
// uses for its own database.New.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("gormkv: open postgres: %w", err)
		}
		logger_.Info().Msg("store connected (postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("gormkv: open sqlite: %w", err)
		}
		logger_.Info().Str("dsn", dsn).Msg("store initialized (sqlite)")
	}

	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("gormkv: automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

var _ store.KV = (*Store)(nil)

func expiryField(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var e entry
	err := s.db.WithContext(ctx).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, time.Now()).
		First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("gormkv: get %s: %w", key, err)
	}
	return e.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := entry{Key: key, Value: value, ExpiresAt: expiryField(ttl), UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("gormkv: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e entry
		err := tx.Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, time.Now()).First(&e).Error
		if err == nil {
			return store.ErrExists
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("gormkv: setnx lookup %s: %w", key, err)
		}
		next := entry{Key: key, Value: value, ExpiresAt: expiryField(ttl), UpdatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&next).Error; err != nil {
			return fmt.Errorf("gormkv: setnx write %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&entry{}).Error; err != nil {
		return fmt.Errorf("gormkv: delete %s: %w", key, err)
	}
	return nil
}

// IncrDecimal adapts the teacher's raw-SQL "INSERT ... ON CONFLICT DO UPDATE
// SET x = x + $n" upsert idiom (storage/database.go) to gorm: the whole
// read-modify-write happens inside one transaction so concurrent ledger
// adds never race.
func (s *Store) IncrDecimal(ctx context.Context, key, delta string, ttl time.Duration) (string, error) {
	deltaDec, err := decimal.NewFromString(delta)
	if err != nil {
		return "", fmt.Errorf("gormkv: incr %s: invalid delta %q: %w", key, delta, err)
	}

	var result string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e entry
		txErr := tx.Where("key = ?", key).First(&e).Error
		cur := decimal.Zero
		switch {
		case txErr == gorm.ErrRecordNotFound:
			// start from zero
		case txErr != nil:
			return fmt.Errorf("gormkv: incr lookup %s: %w", key, txErr)
		default:
			cur, err = decimal.NewFromString(e.Value)
			if err != nil {
				return fmt.Errorf("gormkv: incr %s: corrupt stored value %q: %w", key, e.Value, err)
			}
		}

		next := cur.Add(deltaDec)
		result = next.String()
		row := entry{Key: key, Value: result, ExpiresAt: expiryField(ttl), UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var entries []entry
	err := s.db.WithContext(ctx).
		Where("key LIKE ? AND (expires_at IS NULL OR expires_at > ?)", prefix+"%", time.Now()).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("gormkv: scan %s: %w", prefix, err)
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

func (s *Store) WriteGroup(ctx context.Context, ops []store.Op) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			switch op.Kind {
			case store.OpSet:
				row := entry{Key: op.Key, Value: op.Value, ExpiresAt: expiryField(op.TTL), UpdatedAt: time.Now()}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "key"}},
					DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
				}).Create(&row).Error; err != nil {
					return fmt.Errorf("gormkv: group set %s: %w", op.Key, err)
				}
			case store.OpDelete:
				if err := tx.Where("key = ?", op.Key).Delete(&entry{}).Error; err != nil {
					return fmt.Errorf("gormkv: group delete %s: %w", op.Key, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
