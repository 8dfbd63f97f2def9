package migrations

import (
	"github.com/ksred/syndicate-api/internal/types"
	"gorm.io/gorm"
)

// AddWorkflowEvents creates the append-only workflow event log and the
// indexes used by inbox queries
func AddWorkflowEvents(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.WorkflowEventRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// One event per position in a trade's history
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_events_trade_sequence
		 ON workflow_event_records(trade_id, sequence)`,

		// Checker and agent inboxes list trades by status, newest first
		`CREATE INDEX IF NOT EXISTS idx_trades_status_created_at
		 ON trades(status, created_at)`,

		// Expiry sweeps look for open trades by last update
		`CREATE INDEX IF NOT EXISTS idx_trades_status_updated_at
		 ON trades(status, updated_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
