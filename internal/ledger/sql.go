package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SQL is a Gateway persisted in the relational database. Identities are read
// from the participant registry; holdings, freezes and settlements live in
// the ledger's own tables.
type SQL struct {
	db     *gorm.DB
	issuer string
}

// NewSQL creates a database backed ledger. Claims derived from participant
// records are attributed to issuer.
func NewSQL(db *gorm.DB, issuer string) *SQL {
	return &SQL{db: db, issuer: issuer}
}

// Mint credits units to an address
func (s *SQL) Mint(ctx context.Context, token, address string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidTransfer)
	}
	address = types.NormalizeAddress(address)

	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := credit(tx, token, address, units); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to mint: %w", err)
	}

	return tx.Commit().Error
}

// FreezeUnits marks part of a holding as non-transferable
func (s *SQL) FreezeUnits(ctx context.Context, token, address string, units int64) error {
	result := s.db.WithContext(ctx).Model(&Holding{}).
		Where("token = ? AND address = ?", token, types.NormalizeAddress(address)).
		Updates(map[string]interface{}{
			"frozen":     units,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("holding not found")
	}
	return nil
}

// FreezeAddress sets or clears the administrative freeze of an address
func (s *SQL) FreezeAddress(ctx context.Context, address, reason string, frozen bool) error {
	address = types.NormalizeAddress(address)
	db := s.db.WithContext(ctx)
	if !frozen {
		return db.Unscoped().Where("address = ?", address).Delete(&FrozenAddress{}).Error
	}

	var existing FrozenAddress
	err := db.Where("address = ?", address).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(&FrozenAddress{Address: address, Reason: reason, CreatedAt: time.Now()}).Error
}

func (s *SQL) GetBalance(ctx context.Context, token, address string) (Balance, error) {
	var holding Holding
	err := s.db.WithContext(ctx).
		Where("token = ? AND address = ?", token, types.NormalizeAddress(address)).
		First(&holding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Balance{}, nil
		}
		return Balance{}, fmt.Errorf("failed to fetch holding: %w", err)
	}
	return Balance{Total: holding.Total, Frozen: holding.Frozen}, nil
}

func (s *SQL) GetIdentity(ctx context.Context, address string) (Identity, error) {
	address = types.NormalizeAddress(address)
	db := s.db.WithContext(ctx)
	id := Identity{Address: address}

	var frozenCount int64
	if err := db.Model(&FrozenAddress{}).Where("address = ?", address).Count(&frozenCount).Error; err != nil {
		return Identity{}, fmt.Errorf("failed to fetch freeze status: %w", err)
	}
	id.Frozen = frozenCount > 0

	var participant types.Participant
	err := db.Where("wallet_address = ?", address).First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return id, nil
		}
		return Identity{}, fmt.Errorf("failed to fetch identity: %w", err)
	}

	id.Registered = true
	id.Claims = participant.EffectiveClaims(s.issuer)
	id.Country = participant.Jurisdiction
	id.LockupExpiry = participant.LockupExpiry
	return id, nil
}

func (s *SQL) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	from := types.NormalizeAddress(req.From)
	to := types.NormalizeAddress(req.To)
	if from == to {
		return "", fmt.Errorf("%w: sender and receiver are the same address", ErrInvalidTransfer)
	}

	logger := log.With().
		Str("token", req.Token).
		Str("dedupe_key", req.DedupeKey).
		Str("service", "ledger_sql").
		Logger()

	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var existing SettlementRecord
	err := tx.Where("dedupe_key = ?", req.DedupeKey).First(&existing).Error
	if err == nil {
		tx.Rollback()
		logger.Info().Str("settlement_ref", existing.SettlementRef).Msg("transfer already settled, returning original reference")
		return existing.SettlementRef, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return "", fmt.Errorf("failed to check settlement record: %w", err)
	}

	// Debit only if the available balance still covers the transfer
	result := tx.Model(&Holding{}).
		Where("token = ? AND address = ? AND total - frozen >= ?", req.Token, from, req.Units).
		Updates(map[string]interface{}{
			"total":      gorm.Expr("total - ?", req.Units),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return "", fmt.Errorf("failed to debit sender: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return "", fmt.Errorf("%w: insufficient available balance for %d units", ErrTransferRejected, req.Units)
	}

	if err := credit(tx, req.Token, to, req.Units); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("failed to credit receiver: %w", err)
	}

	record := SettlementRecord{
		DedupeKey:     req.DedupeKey,
		SettlementRef: "STL_" + uuid.New().String(),
		Token:         req.Token,
		FromAddress:   from,
		ToAddress:     to,
		Units:         req.Units,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return "", fmt.Errorf("failed to save settlement record: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return "", fmt.Errorf("failed to commit transfer: %w", err)
	}

	logger.Info().
		Str("settlement_ref", record.SettlementRef).
		Int64("units", req.Units).
		Msg("ledger transfer settled")

	return record.SettlementRef, nil
}

func (s *SQL) SettlementFor(ctx context.Context, dedupeKey string) (string, bool, error) {
	var record SettlementRecord
	err := s.db.WithContext(ctx).Where("dedupe_key = ?", dedupeKey).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to fetch settlement record: %w", err)
	}
	return record.SettlementRef, true, nil
}

func credit(tx *gorm.DB, token, address string, units int64) error {
	result := tx.Model(&Holding{}).
		Where("token = ? AND address = ?", token, address).
		Updates(map[string]interface{}{
			"total":      gorm.Expr("total + ?", units),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return tx.Create(&Holding{Token: token, Address: address, Total: units, UpdatedAt: time.Now()}).Error
}
