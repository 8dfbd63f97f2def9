package migrations

import (
	"github.com/ksred/syndicate-api/internal/ledger"
	"gorm.io/gorm"
)

// AddLedgerTables creates the tables of the database backed ledger
func AddLedgerTables(db *gorm.DB) error {
	return db.AutoMigrate(ledger.Models()...)
}
