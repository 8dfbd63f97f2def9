package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	StatusPending    TradeStatus = "pending"
	StatusValidating TradeStatus = "validating"
	StatusProposed   TradeStatus = "proposed"
	StatusApproved   TradeStatus = "approved"
	StatusExecuted   TradeStatus = "executed"
	StatusSettled    TradeStatus = "settled"
	StatusRejected   TradeStatus = "rejected"
	StatusExpired    TradeStatus = "expired"
)

// Terminal reports whether no further transition is possible from the status
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusSettled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ParseTradeStatus converts a query value into a known status
func ParseTradeStatus(raw string) (TradeStatus, error) {
	s := TradeStatus(raw)
	switch s {
	case StatusPending, StatusValidating, StatusProposed, StatusApproved,
		StatusExecuted, StatusSettled, StatusRejected, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown trade status %q", ErrBadRequest, raw)
}

// Trade is the aggregate root of a proposed loan token transfer
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string              `gorm:"uniqueIndex" json:"trade_id"`
	TokenRef      string              `gorm:"index" json:"token"`
	SellerAddress string              `json:"seller_address"`
	BuyerAddress  string              `json:"buyer_address"`
	Seller        *Participant        `gorm:"-" json:"seller,omitempty"`
	Buyer         *Participant        `gorm:"-" json:"buyer,omitempty"`
	Units         int64               `json:"units"`
	PricePerUnit  decimal.Decimal     `gorm:"type:decimal(20,8)" json:"price_per_unit"`
	TotalValue    decimal.Decimal     `gorm:"type:decimal(28,8)" json:"total_value"`
	Status        TradeStatus         `gorm:"index" json:"status"`
	Validation    *TransferValidation `gorm:"serializer:json" json:"validation,omitempty"`
	Workflow      *TradeWorkflow      `gorm:"-" json:"workflow,omitempty"`

	// Denormalized workflow actors; the history itself lives in workflow events
	ProposedBy *Actor `gorm:"serializer:json" json:"-"`
	ApprovedBy *Actor `gorm:"serializer:json" json:"-"`
	RejectedBy *Actor `gorm:"serializer:json" json:"-"`
	ExecutedBy *Actor `gorm:"serializer:json" json:"-"`

	RejectionReason      string     `json:"rejection_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	SettledAt            *time.Time `json:"settled_at,omitempty"`
	SettlementRef        string     `json:"settlement_ref,omitempty"`
	SettlementDurationMs int64      `json:"settlement_duration_ms,omitempty"`
}

// ComputeTotal sets TotalValue to Units x PricePerUnit
func (t *Trade) ComputeTotal() {
	t.TotalValue = t.PricePerUnit.Mul(decimal.NewFromInt(t.Units))
}

// CheckInvariants verifies the aggregate's structural invariants
func (t *Trade) CheckInvariants() error {
	if t.Units <= 0 {
		return fmt.Errorf("trade %s: units must be positive, got %d", t.TradeID, t.Units)
	}
	if !t.TotalValue.Equal(t.PricePerUnit.Mul(decimal.NewFromInt(t.Units))) {
		return fmt.Errorf("trade %s: total value %s does not equal units x price", t.TradeID, t.TotalValue)
	}
	if t.Workflow != nil {
		last, ok := t.Workflow.History.Last()
		if !ok {
			return fmt.Errorf("trade %s: empty workflow history", t.TradeID)
		}
		if last.To != t.Status {
			return fmt.Errorf("trade %s: last workflow event ends in %s but status is %s", t.TradeID, last.To, t.Status)
		}
	}
	return nil
}

// WorkflowEventRecord is the persisted, insert-only form of a WorkflowEvent
type WorkflowEventRecord struct {
	gorm.Model    `json:"-"`
	TradeID       string      `gorm:"index" json:"trade_id"`
	Sequence      int         `json:"sequence"`
	FromStatus    TradeStatus `json:"from"`
	ToStatus      TradeStatus `json:"to"`
	ActorRole     Role        `json:"actor_role"`
	ActorIdentity string      `json:"actor_identity"`
	Reason        string      `json:"reason,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Event converts the record back into a domain event
func (r WorkflowEventRecord) Event() WorkflowEvent {
	return WorkflowEvent{
		From:      r.FromStatus,
		To:        r.ToStatus,
		Timestamp: r.OccurredAt,
		Actor:     Actor{Role: r.ActorRole, Identity: r.ActorIdentity},
		Reason:    r.Reason,
	}
}

// NewWorkflowEventRecord builds the persisted form of an event
func NewWorkflowEventRecord(tradeID string, seq int, e WorkflowEvent) WorkflowEventRecord {
	return WorkflowEventRecord{
		TradeID:       tradeID,
		Sequence:      seq,
		FromStatus:    e.From,
		ToStatus:      e.To,
		ActorRole:     e.Actor.Role,
		ActorIdentity: e.Actor.Identity,
		Reason:        e.Reason,
		OccurredAt:    e.Timestamp,
	}
}
