// Package journal stores event records in a local SQLite database.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"i4.energy/across/alarmgw/internal/events"
)

// Entry is the stored form of an events.Record.
type Entry struct {
	ID     uint      `gorm:"primaryKey"`
	Kind   string    `gorm:"size:16;index"`
	Code   string    `gorm:"size:8"`
	Detail string    `gorm:"size:255"`
	At     time.Time `gorm:"index"`
}

type Journal struct {
	db *gorm.DB
}

func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Handle stores rec. It implements events.Handler.
func (j *Journal) Handle(ctx context.Context, rec events.Record) error {
	entry := Entry{
		Kind:   string(rec.Kind),
		Code:   rec.Code,
		Detail: rec.Detail,
		At:     rec.At,
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("store %s record: %w", rec.Kind, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]events.Record, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).
		Order("at desc").Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	records := make([]events.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, events.Record{
			Kind:   events.Kind(e.Kind),
			Code:   e.Code,
			Detail: e.Detail,
			At:     e.At,
		})
	}
	return records, nil
}

// Prune deletes records older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("at < ?", before).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune journal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
