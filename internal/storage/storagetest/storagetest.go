// Package storagetest opens throwaway in-memory databases for tests.
package storagetest

import (
	"crewlink/backend/internal/storage"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// Open returns a migrated, private in-memory sqlite database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenWithLogger(t, zaptest.NewLogger(t))
}

// OpenWithLogger is Open with gorm's output sent to log.
func OpenWithLogger(t testing.TB, log *zap.Logger) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := storage.Open("sqlite", dsn, log)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// One connection keeps the in-memory database alive and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if err := storage.Migrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewService is Open wrapped in a storage.Service.
func NewService(t testing.TB) *storage.Service {
	t.Helper()
	return storage.NewStorageService(Open(t))
}
