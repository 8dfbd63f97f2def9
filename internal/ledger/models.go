package ledger

import (
	"time"

	"gorm.io/gorm"
)

type Holding struct {
	gorm.Model `json:"-"`
	Token      string    `gorm:"uniqueIndex:idx_holdings_token_address" json:"token"`
	Address    string    `gorm:"uniqueIndex:idx_holdings_token_address" json:"address"`
	Total      int64     `json:"total"`
	Frozen     int64     `json:"frozen"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type FrozenAddress struct {
	gorm.Model `json:"-"`
	Address    string    `gorm:"uniqueIndex" json:"address"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

type SettlementRecord struct {
	gorm.Model    `json:"-"`
	DedupeKey     string    `gorm:"uniqueIndex" json:"dedupe_key"`
	SettlementRef string    `gorm:"uniqueIndex" json:"settlement_ref"`
	Token         string    `json:"token"`
	FromAddress   string    `json:"from_address"`
	ToAddress     string    `json:"to_address"`
	Units         int64     `json:"units"`
	CreatedAt     time.Time `json:"created_at"`
}

// Models lists the tables owned by the SQL ledger backend
func Models() []interface{} {
	return []interface{}{&Holding{}, &FrozenAddress{}, &SettlementRecord{}}
}
