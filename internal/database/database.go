package database

import (
	"fmt"

	"github.com/ksred/syndicate-api/internal/database/migrations"
	"github.com/ksred/syndicate-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the SQLite database at path and migrates every schema.
// Use ":memory:" for an ephemeral database.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases shared across the pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&types.Participant{},
		&types.Trade{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddWorkflowEvents(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddLedgerTables(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
