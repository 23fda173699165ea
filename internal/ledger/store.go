// Package ledger persists streams and their paid parts in a SQL database
// through gorm. SQLite (pure Go) and PostgreSQL are supported.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paystream/internal/streaming"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormStore implements streaming.Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

var _ streaming.Store = (*GormStore)(nil)

// Open connects to the database named by driver and dsn and migrates the
// schema.
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time avoids SQLITE_BUSY between stream tasks
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&streamRow{}, &partRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListStreams implements streaming.Store.
func (s *GormStore) ListStreams(ctx context.Context) ([]streaming.StreamPayment, error) {
	var rows []streamRow
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := make([]streaming.StreamPayment, 0, len(rows))
	for _, r := range rows {
		sp := r.toStream()
		if !sp.Status.Valid() {
			return nil, fmt.Errorf("list streams: stream %s has unknown status %q", r.ID, r.Status)
		}
		out = append(out, sp)
	}
	return out, nil
}

// GetStream implements streaming.Store.
func (s *GormStore) GetStream(ctx context.Context, id streaming.StreamID) (streaming.StreamPayment, error) {
	var row streamRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return streaming.StreamPayment{}, streaming.ErrRecordNotFound
	}
	if err != nil {
		return streaming.StreamPayment{}, fmt.Errorf("get stream: %w", err)
	}
	return row.toStream(), nil
}

// SaveStream implements streaming.Store. Deleted rows are never revived and
// parts paid never goes down.
func (s *GormStore) SaveStream(ctx context.Context, sp streaming.StreamPayment) error {
	row := toStreamRow(sp)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur streamRow
		err := tx.Unscoped().Where("id = ?", row.ID).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		case cur.DeletedAt.Valid:
			return streaming.ErrRecordNotFound
		case row.PartsPaid < cur.PartsPaid:
			return fmt.Errorf("%w: stored %d parts, write has %d", streaming.ErrLedgerConflict, cur.PartsPaid, row.PartsPaid)
		}
		return tx.Model(&streamRow{}).Where("id = ?", row.ID).Select("*").Omit("id").Updates(&row).Error
	})
}

// RecordPart implements streaming.Store. The stream update is conditional on
// the stored part count so a replayed or reordered part fails.
func (s *GormStore) RecordPart(ctx context.Context, sp streaming.StreamPayment, part streaming.StreamPart) error {
	row := toStreamRow(sp)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&streamRow{}).
			Where("id = ? AND parts_paid = ?", row.ID, sp.PartsPaid-1).
			Select("*").Omit("id").
			Updates(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&streamRow{}).Where("id = ?", row.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return streaming.ErrRecordNotFound
			}
			return streaming.ErrLedgerConflict
		}
		p := toPartRow(sp.PartsPaid, part)
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("insert part: %w", err)
		}
		return nil
	})
}

// ListParts implements streaming.Store. Parts of deleted streams are still
// returned.
func (s *GormStore) ListParts(ctx context.Context, id streaming.StreamID) ([]streaming.StreamPart, error) {
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Unscoped().Model(&streamRow{}).Where("id = ?", string(id)).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	if n == 0 {
		return nil, streaming.ErrRecordNotFound
	}

	var rows []partRow
	if err := db.Where("stream_id = ?", string(id)).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	out := make([]streaming.StreamPart, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPart())
	}
	return out, nil
}

// DeleteStream implements streaming.Store.
func (s *GormStore) DeleteStream(ctx context.Context, id streaming.StreamID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&streamRow{})
	if res.Error != nil {
		return fmt.Errorf("delete stream: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return streaming.ErrRecordNotFound
	}
	return nil
}
