// Package datastore persists the processed call log to a local SQLite
// database. The unique call_id index doubles as a second line of defense for
// idempotent processing across restarts, and the counters re-seed the
// statistics aggregator at startup.
package datastore

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kzdgn/diafonbox/internal/core/call"
)

// CallLogEntry is one processed call record.
type CallLogEntry struct {
	ID           uint   `gorm:"primaryKey"`
	CallID       string `gorm:"uniqueIndex;size:64"`
	LocationID   string `gorm:"index;size:64"`
	CallFrom     string `gorm:"size:64"`
	CallTo       string `gorm:"size:64"`
	Kind         string `gorm:"index;size:16"` // entrance, apartment, opened
	State        string `gorm:"size:16"`
	Date         int64  `gorm:"index"` // epoch ms from the cloud record
	SnapshotPath string `gorm:"size:512"`
	CreatedAt    time.Time
}

// Store wraps the SQLite call log.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&CallLogEntry{}); err != nil {
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveCall inserts a processed call. Duplicate call ids are ignored, so the
// insert is idempotent.
func (s *Store) SaveCall(rec call.Record, kind call.RingKind) error {
	entry := CallLogEntry{
		CallID:       rec.ID,
		LocationID:   rec.LocationID,
		CallFrom:     rec.From,
		CallTo:       rec.To,
		Kind:         string(kind),
		State:        string(rec.State),
		Date:         rec.Date,
		SnapshotPath: rec.SnapshotPath,
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("datastore: save call %s: %w", rec.ID, err)
	}
	return nil
}

// HasCall reports whether a call id was already processed.
func (s *Store) HasCall(callID string) (bool, error) {
	var count int64
	err := s.db.Model(&CallLogEntry{}).Where("call_id = ?", callID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("datastore: has call %s: %w", callID, err)
	}
	return count > 0, nil
}

// TotalCount returns the lifetime call count for a location. Unclassified
// rows are excluded: the live counter never sees them, and the re-seeded
// value has to match it.
func (s *Store) TotalCount(locationID string) (int64, error) {
	var count int64
	err := s.db.Model(&CallLogEntry{}).
		Where("location_id = ? AND kind <> ?", locationID, string(call.RingUnknown)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("datastore: total count: %w", err)
	}
	return count, nil
}

// RingCountSince returns the ring count for a location since a point in
// time. Used with local midnight to re-seed today's counter.
func (s *Store) RingCountSince(locationID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&CallLogEntry{}).
		Where("location_id = ? AND date >= ? AND kind IN ?",
			locationID, since.UnixMilli(), []string{string(call.RingEntrance), string(call.RingApartment)}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("datastore: ring count: %w", err)
	}
	return count, nil
}

// LastRing returns the most recent ring timestamp for a location, or the
// zero time when the location has no rings yet.
func (s *Store) LastRing(locationID string) (time.Time, error) {
	var entry CallLogEntry
	err := s.db.
		Where("location_id = ? AND kind IN ?",
			locationID, []string{string(call.RingEntrance), string(call.RingApartment)}).
		Order("date DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("datastore: last ring: %w", err)
	}
	return time.UnixMilli(entry.Date), nil
}

// RecentCalls returns the newest entries for a location, newest first.
func (s *Store) RecentCalls(locationID string, limit int) ([]CallLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []CallLogEntry
	err := s.db.
		Where("location_id = ?", locationID).
		Order("date DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("datastore: recent calls: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
