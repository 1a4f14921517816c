// Package mock contains in-memory implementations of the external systems the
// pipeline talks to, for use in tests.
package mock

import (
	"fmt"
	"testing"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/ingestion-backend/pkg/repository"
)

// NewDB opens a private in-memory SQLite database with the schema of the
// metadata store. It is closed when the test ends.
func NewDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		tb.Fatalf("opening sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("getting sql.DB: %v", err)
	}
	// A single connection serializes writers like the row locks of Postgres
	// would.
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&repository.DocumentModel{},
		&repository.DocumentVersionModel{},
		&repository.OutboxEventModel{},
	); err != nil {
		tb.Fatalf("migrating schema: %v", err)
	}
	return db
}

// NewRepository returns a repository over NewDB.
func NewRepository(tb testing.TB) repository.Repository {
	return repository.NewRepository(NewDB(tb))
}
