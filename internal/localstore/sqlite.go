package localstore

import (
	"errors"
	"fmt"
	"sync"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("localstore: database handle is required")

// DismissalRecord persists a sticky notification key dismissed on a given
// local calendar day. The payload is idempotent metadata, so concurrent
// writers resolving last-writer-wins is acceptable.
type DismissalRecord struct {
	Key string `gorm:"column:sticky_key;primaryKey;size:190;not null"`
	Day string `gorm:"column:day;primaryKey;size:10;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DismissalRecord) TableName() string {
	return "notification_dismissals"
}

// OpenSQLite establishes the local SQLite database and performs schema
// migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("localstore: database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&DismissalRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local store initialized", zap.String("path", path))
	}

	return db, nil
}

// DismissalStore records which sticky keys were dismissed on which local day.
type DismissalStore struct {
	db *gorm.DB
}

// NewDismissalStore wraps the provided database handle.
func NewDismissalStore(db *gorm.DB) (*DismissalStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &DismissalStore{db: db}, nil
}

// MarkDismissed durably records key as dismissed for day. Re-marking an
// existing pair is a no-op.
func (s *DismissalStore) MarkDismissed(key, day string) error {
	record := DismissalRecord{Key: key, Day: day}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// IsDismissed reports whether key was dismissed on day. Read failures are
// treated as not-dismissed so a broken local store degrades to showing the
// notification again.
func (s *DismissalStore) IsDismissed(key, day string) bool {
	var count int64
	err := s.db.Model(&DismissalRecord{}).
		Where("sticky_key = ? AND day = ?", key, day).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// MemoryDismissals is an in-memory DismissalStore substitute for tests.
type MemoryDismissals struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDismissals constructs an empty in-memory store.
func NewMemoryDismissals() *MemoryDismissals {
	return &MemoryDismissals{seen: make(map[string]struct{})}
}

// MarkDismissed records the key/day pair.
func (m *MemoryDismissals) MarkDismissed(key, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key+":"+day] = struct{}{}
	return nil
}

// IsDismissed reports whether the key/day pair was recorded.
func (m *MemoryDismissals) IsDismissed(key, day string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[key+":"+day]
	return ok
}
