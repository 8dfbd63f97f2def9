package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/syndicate-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transition is a compare-and-transition of a trade's status. Patch holds
// the values of Columns written together with the new status.
type Transition struct {
	TradeID string
	From    types.TradeStatus
	To      types.TradeStatus
	Event   types.WorkflowEvent
	Patch   types.Trade
	Columns []string
}

// Store persists trades, their workflow history and participants
type Store interface {
	FindOrCreateParticipant(ctx context.Context, address string) (*types.Participant, error)
	SaveParticipant(ctx context.Context, participant *types.Participant) error
	ListParticipants(ctx context.Context) ([]types.Participant, error)
	CreateTrade(ctx context.Context, trade *types.Trade, event types.WorkflowEvent) error
	GetTrade(ctx context.Context, tradeID string) (*types.Trade, error)
	ListTrades(ctx context.Context, status types.TradeStatus) ([]types.Trade, error)
	ListStaleTrades(ctx context.Context, statuses []types.TradeStatus, before time.Time) ([]types.Trade, error)
	TransitionTrade(ctx context.Context, t Transition) error
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// FindOrCreateParticipant returns the participant owning address, creating a
// pending one on first reference
func (d *Database) FindOrCreateParticipant(ctx context.Context, address string) (*types.Participant, error) {
	address = types.NormalizeAddress(address)
	db := d.db.WithContext(ctx)

	var participant types.Participant
	err := db.Where("wallet_address = ?", address).First(&participant).Error
	if err == nil {
		return &participant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch participant: %w", err)
	}

	now := time.Now()
	participant = types.Participant{
		ParticipantID: "PTC_" + uuid.New().String(),
		Name:          address,
		Category:      "unassigned",
		WalletAddress: address,
		KYCStatus:     types.KYCPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(&participant).Error; err != nil {
		// Lost a race with a concurrent first reference
		var existing types.Participant
		if lookupErr := db.Where("wallet_address = ?", address).First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	return &participant, nil
}

// SaveParticipant creates or replaces the participant keyed by wallet address
func (d *Database) SaveParticipant(ctx context.Context, participant *types.Participant) error {
	participant.WalletAddress = types.NormalizeAddress(participant.WalletAddress)
	if participant.ParticipantID == "" {
		participant.ParticipantID = "PTC_" + uuid.New().String()
	}
	now := time.Now()
	if participant.CreatedAt.IsZero() {
		participant.CreatedAt = now
	}
	participant.UpdatedAt = now

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "category", "kyc_status", "accredited", "jurisdiction",
			"lockup_expiry", "identity_contract", "claims", "updated_at",
		}),
	}).Create(participant).Error
}

func (d *Database) ListParticipants(ctx context.Context) ([]types.Participant, error) {
	participants := make([]types.Participant, 0)
	if err := d.db.WithContext(ctx).Order("wallet_address").Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

// CreateTrade inserts the trade and its first workflow event in a transaction
func (d *Database) CreateTrade(ctx context.Context, trade *types.Trade, event types.WorkflowEvent) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Omit(clause.Associations).Create(trade).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create trade: %w", err)
	}

	record := types.NewWorkflowEventRecord(trade.TradeID, 1, event)
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to append workflow event: %w", err)
	}

	return tx.Commit().Error
}

// GetTrade loads a trade with its parties and workflow history
func (d *Database) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: trade %s", types.ErrNotFound, tradeID)
		}
		return nil, fmt.Errorf("failed to fetch trade: %w", err)
	}

	trades := []types.Trade{trade}
	if err := d.hydrate(ctx, trades); err != nil {
		return nil, err
	}
	return &trades[0], nil
}

// ListTrades returns trades, newest first, optionally filtered by status
func (d *Database) ListTrades(ctx context.Context, status types.TradeStatus) ([]types.Trade, error) {
	query := d.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	trades := make([]types.Trade, 0)
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	if err := d.hydrate(ctx, trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// ListStaleTrades returns trades in one of statuses not updated since before
func (d *Database) ListStaleTrades(ctx context.Context, statuses []types.TradeStatus, before time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at").
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale trades: %w", err)
	}
	return trades, nil
}

// TransitionTrade moves a trade from t.From to t.To only if its persisted
// status still equals t.From, and appends the workflow event in the same
// transaction
func (d *Database) TransitionTrade(ctx context.Context, t Transition) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	patch := t.Patch
	patch.Status = t.To
	patch.UpdatedAt = time.Now()
	columns := append([]string{"status", "updated_at"}, t.Columns...)

	result := tx.Model(&types.Trade{}).
		Where("trade_id = ? AND status = ?", t.TradeID, t.From).
		Select(columns).
		Updates(&patch)
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update trade status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var current types.Trade
		err := tx.Select("status").Where("trade_id = ?", t.TradeID).First(&current).Error
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: trade %s", types.ErrNotFound, t.TradeID)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch trade status: %w", err)
		}
		return fmt.Errorf("%w: trade %s is %s, expected %s", types.ErrPreconditionFailed, t.TradeID, current.Status, t.From)
	}

	var seq int64
	if err := tx.Model(&types.WorkflowEventRecord{}).Where("trade_id = ?", t.TradeID).Count(&seq).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to count workflow events: %w", err)
	}
	record := types.NewWorkflowEventRecord(t.TradeID, int(seq)+1, t.Event)
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to append workflow event: %w", err)
	}

	return tx.Commit().Error
}

// hydrate attaches parties and workflow history to the trades
func (d *Database) hydrate(ctx context.Context, trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	db := d.db.WithContext(ctx)

	tradeIDs := make([]string, 0, len(trades))
	addresses := make([]string, 0, 2*len(trades))
	for _, t := range trades {
		tradeIDs = append(tradeIDs, t.TradeID)
		addresses = append(addresses, t.SellerAddress, t.BuyerAddress)
	}

	var participants []types.Participant
	if err := db.Where("wallet_address IN ?", addresses).Find(&participants).Error; err != nil {
		return fmt.Errorf("failed to fetch trade parties: %w", err)
	}
	byAddress := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		byAddress[p.WalletAddress] = p
	}

	var records []types.WorkflowEventRecord
	if err := db.Where("trade_id IN ?", tradeIDs).Order("trade_id, sequence").Find(&records).Error; err != nil {
		return fmt.Errorf("failed to fetch workflow events: %w", err)
	}
	events := make(map[string][]types.WorkflowEvent, len(trades))
	for _, r := range records {
		events[r.TradeID] = append(events[r.TradeID], r.Event())
	}

	for i := range trades {
		t := &trades[i]
		if p, ok := byAddress[t.SellerAddress]; ok {
			seller := p
			t.Seller = &seller
		}
		if p, ok := byAddress[t.BuyerAddress]; ok {
			buyer := p
			t.Buyer = &buyer
		}
		t.Workflow = &types.TradeWorkflow{
			History:    types.NewWorkflowHistory(events[t.TradeID]...),
			ProposedBy: t.ProposedBy,
			ApprovedBy: t.ApprovedBy,
			RejectedBy: t.RejectedBy,
			ExecutedBy: t.ExecutedBy,
		}
	}
	return nil
}
