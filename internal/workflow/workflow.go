package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/ledger"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Validator evaluates transfer compliance
type Validator interface {
	Validate(ctx context.Context, token, seller, buyer string, units int64) (*types.TransferValidation, error)
}

// ProposeRequest is the payload of a trader's transfer proposal
type ProposeRequest struct {
	Token        string          `json:"token" binding:"required"`
	Seller       string          `json:"seller" binding:"required"`
	Buyer        string          `json:"buyer" binding:"required"`
	Units        int64           `json:"units" binding:"required"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

func (r ProposeRequest) validate() error {
	if strings.TrimSpace(r.Token) == "" || strings.TrimSpace(r.Seller) == "" || strings.TrimSpace(r.Buyer) == "" {
		return fmt.Errorf("%w: token, seller and buyer are required", types.ErrBadRequest)
	}
	if r.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", types.ErrBadRequest)
	}
	if r.PricePerUnit.IsNegative() {
		return fmt.Errorf("%w: price per unit cannot be negative", types.ErrBadRequest)
	}
	if types.NormalizeAddress(r.Seller) == types.NormalizeAddress(r.Buyer) {
		return fmt.Errorf("%w: seller and buyer must differ", types.ErrBadRequest)
	}
	return nil
}

// BalanceView is a participant's position in a token
type BalanceView struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	WalletAddress string `json:"wallet_address"`
	Token         string `json:"token"`
	Total         int64  `json:"total"`
	Frozen        int64  `json:"frozen"`
	Available     int64  `json:"available"`
}

// Service owns the trade lifecycle: propose, approve, reject, execute and
// expire. Every transition is a compare-and-transition on the persisted
// status, and approve/execute revalidate compliance against current state.
type Service struct {
	store     Store
	validator Validator
	ledger    ledger.Gateway
	now       func() time.Time

	locks [lockStripes]sync.Mutex
}

// lockStripes is the number of mutexes trade ids are hashed onto
const lockStripes = 256

// expiryActor records transitions made by the expiry processor
var expiryActor = types.Actor{Role: types.RoleSystem, Identity: "expiry-processor"}

// NewService creates the workflow state machine
func NewService(store Store, validator Validator, gateway ledger.Gateway) *Service {
	return &Service{
		store:     store,
		validator: validator,
		ledger:    gateway,
		now:       time.Now,
	}
}

// lockTrade serializes actions on one trade within this process. The status
// precondition in the store still guards against other processes.
func (s *Service) lockTrade(tradeID string) func() {
	h := fnv.New32a()
	h.Write([]byte(tradeID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Validate runs a compliance dry run without touching any trade
func (s *Service) Validate(ctx context.Context, token, seller, buyer string, units int64) (*types.TransferValidation, error) {
	return s.validator.Validate(ctx, token, seller, buyer, units)
}

// Propose validates a transfer and, if it passes, records a new trade in
// status proposed. A failing validation creates nothing.
func (s *Service) Propose(ctx context.Context, actor types.Actor, req ProposeRequest) (*types.Trade, error) {
	if err := auth.Authorize(actor, types.RoleTrader); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	seller := types.NormalizeAddress(req.Seller)
	buyer := types.NormalizeAddress(req.Buyer)

	logger := log.With().
		Str("token", req.Token).
		Str("seller", seller).
		Str("buyer", buyer).
		Str("actor", actor.Identity).
		Str("service", "workflow").
		Logger()

	logger.Info().Int64("units", req.Units).Msg("proposing transfer")

	validation, err := s.validator.Validate(ctx, req.Token, seller, buyer, req.Units)
	if err != nil {
		logger.Error().Err(err).Msg("compliance validation errored")
		return nil, err
	}
	if !validation.CanTransfer {
		logger.Warn().Str("reason_code", string(validation.ReasonCode)).Msg("proposal blocked by compliance")
		return nil, &types.ValidationError{Validation: validation}
	}

	sellerParticipant, err := s.store.FindOrCreateParticipant(ctx, seller)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seller: %w", err)
	}
	buyerParticipant, err := s.store.FindOrCreateParticipant(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve buyer: %w", err)
	}

	now := s.now()
	proposer := actor
	trade := &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		TokenRef:      req.Token,
		SellerAddress: seller,
		BuyerAddress:  buyer,
		Units:         req.Units,
		PricePerUnit:  req.PricePerUnit,
		Status:        types.StatusProposed,
		Validation:    validation,
		ProposedBy:    &proposer,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	trade.ComputeTotal()

	event := types.WorkflowEvent{
		From:      types.StatusNone,
		To:        types.StatusProposed,
		Timestamp: now,
		Actor:     actor,
	}
	if err := s.store.CreateTrade(ctx, trade, event); err != nil {
		logger.Error().Err(err).Msg("failed to persist proposed trade")
		return nil, err
	}

	trade.Seller = sellerParticipant
	trade.Buyer = buyerParticipant
	trade.Workflow = &types.TradeWorkflow{}
	trade.Workflow.Record(event)

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("total_value", trade.TotalValue.String()).
		Msg("trade proposed")

	return trade, nil
}

// Approve revalidates a proposed trade and moves it to approved. A failing
// validation leaves the trade proposed and is returned, not persisted.
func (s *Service) Approve(ctx context.Context, actor types.Actor, tradeID string) (*types.Trade, error) {
	if err := auth.Authorize(actor, types.RoleChecker); err != nil {
		return nil, err
	}
	if tradeID == "" {
		return nil, fmt.Errorf("%w: trade id is required", types.ErrBadRequest)
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	logger := log.With().
		Str("trade_id", tradeID).
		Str("actor", actor.Identity).
		Str("service", "workflow").
		Logger()

	trade, err := s.loadInStatus(ctx, tradeID, types.StatusProposed)
	if err != nil {
		return nil, err
	}

	validation, err := s.revalidate(ctx, trade)
	if err != nil {
		logger.Warn().Err(err).Msg("approval blocked")
		return nil, err
	}

	approver := actor
	event := types.WorkflowEvent{
		From:      types.StatusProposed,
		To:        types.StatusApproved,
		Timestamp: s.now(),
		Actor:     actor,
	}
	err = s.store.TransitionTrade(ctx, Transition{
		TradeID: tradeID,
		From:    types.StatusProposed,
		To:      types.StatusApproved,
		Event:   event,
		Patch:   types.Trade{Validation: validation, ApprovedBy: &approver},
		Columns: []string{"validation", "approved_by"},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to transition trade to approved")
		return nil, err
	}

	logger.Info().Msg("trade approved")
	return s.store.GetTrade(ctx, tradeID)
}

// Reject moves a proposed trade to the terminal rejected status
func (s *Service) Reject(ctx context.Context, actor types.Actor, tradeID, reason string) (*types.Trade, error) {
	if err := auth.Authorize(actor, types.RoleChecker); err != nil {
		return nil, err
	}
	if tradeID == "" {
		return nil, fmt.Errorf("%w: trade id is required", types.ErrBadRequest)
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	logger := log.With().
		Str("trade_id", tradeID).
		Str("actor", actor.Identity).
		Str("service", "workflow").
		Logger()

	rejecter := actor
	event := types.WorkflowEvent{
		From:      types.StatusProposed,
		To:        types.StatusRejected,
		Timestamp: s.now(),
		Actor:     actor,
		Reason:    reason,
	}
	err := s.store.TransitionTrade(ctx, Transition{
		TradeID: tradeID,
		From:    types.StatusProposed,
		To:      types.StatusRejected,
		Event:   event,
		Patch:   types.Trade{RejectedBy: &rejecter, RejectionReason: reason},
		Columns: []string{"rejected_by", "rejection_reason"},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to reject trade")
		return nil, err
	}

	logger.Info().Str("reason", reason).Msg("trade rejected")
	return s.store.GetTrade(ctx, tradeID)
}

// Execute revalidates an approved trade, settles it on the ledger and moves
// it to the terminal settled status. Only this action moves balances.
func (s *Service) Execute(ctx context.Context, actor types.Actor, tradeID string) (*types.Trade, error) {
	if err := auth.Authorize(actor, types.RoleAgent); err != nil {
		return nil, err
	}
	if tradeID == "" {
		return nil, fmt.Errorf("%w: trade id is required", types.ErrBadRequest)
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	started := s.now()
	logger := log.With().
		Str("trade_id", tradeID).
		Str("actor", actor.Identity).
		Str("service", "workflow").
		Logger()

	trade, err := s.loadInStatus(ctx, tradeID, types.StatusApproved)
	if err != nil {
		return nil, err
	}

	// A previous attempt may have settled on the ledger and failed before
	// recording it; finish that settlement instead of transferring again.
	ref, settled, err := s.ledger.SettlementFor(ctx, tradeID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up ledger settlement")
		return nil, fmt.Errorf("%w: failed to look up ledger settlement: %w", types.ErrInternal, err)
	}

	// Finalizing a prior settlement keeps the validation recorded at approval
	validation := trade.Validation
	if settled {
		logger.Warn().Str("settlement_ref", ref).Msg("ledger already settled trade, finalizing")
	} else {
		validation, err = s.revalidate(ctx, trade)
		if err != nil {
			logger.Warn().Err(err).Msg("execution blocked")
			return nil, err
		}

		// Nothing has been mutated yet; a cancelled caller leaves the trade approved
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: execution cancelled before settlement: %w", types.ErrInternal, err)
		}

		ref, err = s.ledger.Transfer(ctx, ledger.TransferRequest{
			Token:     trade.TokenRef,
			From:      trade.SellerAddress,
			To:        trade.BuyerAddress,
			Units:     trade.Units,
			DedupeKey: trade.TradeID,
		})
		if err != nil {
			logger.Error().Err(err).Msg("ledger transfer failed")
			if errors.Is(err, ledger.ErrTransferRejected) {
				return nil, fmt.Errorf("%w: ledger rejected settlement: %w", types.ErrPreconditionFailed, err)
			}
			return nil, fmt.Errorf("%w: ledger transfer failed: %w", types.ErrInternal, err)
		}
	}

	if err := s.markSettled(ctx, trade, actor, validation, ref, started); err != nil {
		logger.Error().Err(err).Str("settlement_ref", ref).Msg("ledger settled but trade status update failed")
		return nil, err
	}

	logger.Info().
		Str("settlement_ref", ref).
		Int64("units", trade.Units).
		Dur("duration", s.now().Sub(started)).
		Msg("trade settled")

	return s.store.GetTrade(ctx, tradeID)
}

// markSettled moves an approved trade to settled with the ledger reference
func (s *Service) markSettled(ctx context.Context, trade *types.Trade, actor types.Actor, validation *types.TransferValidation, ref string, started time.Time) error {
	settledAt := s.now()
	executor := actor
	return s.store.TransitionTrade(ctx, Transition{
		TradeID: trade.TradeID,
		From:    types.StatusApproved,
		To:      types.StatusSettled,
		Event: types.WorkflowEvent{
			From:      types.StatusApproved,
			To:        types.StatusSettled,
			Timestamp: settledAt,
			Actor:     actor,
		},
		Patch: types.Trade{
			Validation:           validation,
			ExecutedBy:           &executor,
			SettledAt:            &settledAt,
			SettlementRef:        ref,
			SettlementDurationMs: settledAt.Sub(started).Milliseconds(),
		},
		Columns: []string{"validation", "executed_by", "settled_at", "settlement_ref", "settlement_duration_ms"},
	})
}

// Expire moves a trade that is still proposed or approved to expired and
// returns the status it ended in. An approved trade the ledger has already
// settled is finalized to settled instead, since its balances have moved.
func (s *Service) Expire(ctx context.Context, tradeID string, from types.TradeStatus) (types.TradeStatus, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	if from == types.StatusApproved {
		ref, settled, err := s.ledger.SettlementFor(ctx, tradeID)
		if err != nil {
			return from, fmt.Errorf("%w: failed to look up ledger settlement: %w", types.ErrInternal, err)
		}
		if settled {
			trade, err := s.loadInStatus(ctx, tradeID, types.StatusApproved)
			if err != nil {
				return from, err
			}
			log.Warn().
				Str("trade_id", tradeID).
				Str("settlement_ref", ref).
				Msg("expiring trade already settled on the ledger, finalizing")
			if err := s.markSettled(ctx, trade, expiryActor, trade.Validation, ref, s.now()); err != nil {
				return from, err
			}
			return types.StatusSettled, nil
		}
	}

	err := s.store.TransitionTrade(ctx, Transition{
		TradeID: tradeID,
		From:    from,
		To:      types.StatusExpired,
		Event: types.WorkflowEvent{
			From:      from,
			To:        types.StatusExpired,
			Timestamp: s.now(),
			Actor:     expiryActor,
			Reason:    "trade not completed before expiry",
		},
	})
	if err != nil {
		return from, err
	}
	return types.StatusExpired, nil
}

// GetTrade returns a trade with its workflow history
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	return s.store.GetTrade(ctx, tradeID)
}

// ListTrades returns trades, optionally filtered by status
func (s *Service) ListTrades(ctx context.Context, status types.TradeStatus) ([]types.Trade, error) {
	return s.store.ListTrades(ctx, status)
}

// ListParticipants returns every known participant
func (s *Service) ListParticipants(ctx context.Context) ([]types.Participant, error) {
	return s.store.ListParticipants(ctx)
}

// Balances reports every participant's position in token
func (s *Service) Balances(ctx context.Context, token string) ([]BalanceView, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", types.ErrBadRequest)
	}

	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]BalanceView, 0, len(participants))
	for _, p := range participants {
		balance, err := s.ledger.GetBalance(ctx, token, p.WalletAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to fetch balance for %s: %w", types.ErrInternal, p.WalletAddress, err)
		}
		views = append(views, BalanceView{
			ParticipantID: p.ParticipantID,
			Name:          p.Name,
			WalletAddress: p.WalletAddress,
			Token:         token,
			Total:         balance.Total,
			Frozen:        balance.Frozen,
			Available:     balance.Available(),
		})
	}
	return views, nil
}

// loadInStatus fetches a trade and checks its current status
func (s *Service) loadInStatus(ctx context.Context, tradeID string, want types.TradeStatus) (*types.Trade, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != want {
		return nil, fmt.Errorf("%w: trade %s is %s, expected %s", types.ErrPreconditionFailed, tradeID, trade.Status, want)
	}
	return trade, nil
}

// revalidate runs compliance against current ledger state for the trade
func (s *Service) revalidate(ctx context.Context, trade *types.Trade) (*types.TransferValidation, error) {
	validation, err := s.validator.Validate(ctx, trade.TokenRef, trade.SellerAddress, trade.BuyerAddress, trade.Units)
	if err != nil {
		return nil, err
	}
	if !validation.CanTransfer {
		return nil, &types.ValidationError{Validation: validation}
	}
	return validation, nil
}
