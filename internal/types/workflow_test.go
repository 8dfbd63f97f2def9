package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(from, to TradeStatus, role Role, identity string) WorkflowEvent {
	return WorkflowEvent{
		From:      from,
		To:        to,
		Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Actor:     Actor{Role: role, Identity: identity},
	}
}

func TestWorkflowHistoryAppendLeavesReceiverUntouched(t *testing.T) {
	base := NewWorkflowHistory(event(StatusNone, StatusProposed, RoleTrader, "alice"))

	extended := base.Append(event(StatusProposed, StatusApproved, RoleChecker, "bob"))
	branched := base.Append(event(StatusProposed, StatusRejected, RoleChecker, "bob"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())
	assert.Equal(t, 2, branched.Len())

	last, ok := extended.Last()
	require.True(t, ok)
	assert.Equal(t, StatusApproved, last.To)

	last, ok = branched.Last()
	require.True(t, ok)
	assert.Equal(t, StatusRejected, last.To)
}

func TestWorkflowHistoryEventsReturnsCopy(t *testing.T) {
	h := NewWorkflowHistory(event(StatusNone, StatusProposed, RoleTrader, "alice"))

	events := h.Events()
	events[0].To = StatusSettled

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, StatusProposed, last.To)
}

func TestWorkflowHistoryEmpty(t *testing.T) {
	var h WorkflowHistory

	_, ok := h.Last()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Events())
}

func TestTradeWorkflowRecordTracksActors(t *testing.T) {
	w := &TradeWorkflow{}
	w.Record(event(StatusNone, StatusProposed, RoleTrader, "alice"))
	w.Record(event(StatusProposed, StatusApproved, RoleChecker, "bob"))
	w.Record(event(StatusApproved, StatusSettled, RoleAgent, "carol"))

	require.Equal(t, 3, w.History.Len())
	require.NotNil(t, w.ProposedBy)
	require.NotNil(t, w.ApprovedBy)
	require.NotNil(t, w.ExecutedBy)
	assert.Nil(t, w.RejectedBy)

	assert.Equal(t, Actor{Role: RoleTrader, Identity: "alice"}, *w.ProposedBy)
	assert.Equal(t, Actor{Role: RoleChecker, Identity: "bob"}, *w.ApprovedBy)
	assert.Equal(t, Actor{Role: RoleAgent, Identity: "carol"}, *w.ExecutedBy)

	events := w.History.Events()
	assert.Equal(t, StatusNone, events[0].From)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].To, events[i].From, "event %d must start where the previous ended", i)
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleTrader.Valid())
	assert.True(t, RoleChecker.Valid())
	assert.True(t, RoleAgent.Valid())
	assert.False(t, RoleSystem.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("").Valid())
}

func TestTradeCheckInvariants(t *testing.T) {
	newTrade := func() *Trade {
		trade := &Trade{
			TradeID:      "TRD_1",
			Units:        1_000,
			PricePerUnit: decimal.RequireFromString("99.75"),
			Status:       StatusProposed,
			Workflow:     &TradeWorkflow{},
		}
		trade.ComputeTotal()
		trade.Workflow.Record(event(StatusNone, StatusProposed, RoleTrader, "alice"))
		return trade
	}

	trade := newTrade()
	require.NoError(t, trade.CheckInvariants())
	assert.True(t, decimal.RequireFromString("99750").Equal(trade.TotalValue))

	trade = newTrade()
	trade.Units = 0
	assert.Error(t, trade.CheckInvariants())

	trade = newTrade()
	trade.TotalValue = decimal.NewFromInt(1)
	assert.Error(t, trade.CheckInvariants())

	trade = newTrade()
	trade.Status = StatusApproved
	assert.Error(t, trade.CheckInvariants())

	trade = newTrade()
	trade.Workflow = &TradeWorkflow{}
	assert.Error(t, trade.CheckInvariants())
}

func TestParseTradeStatus(t *testing.T) {
	status, err := ParseTradeStatus("approved")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	_, err = ParseTradeStatus("cancelled")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TradeStatus{StatusSettled, StatusRejected, StatusExpired} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []TradeStatus{StatusPending, StatusValidating, StatusProposed, StatusApproved, StatusExecuted} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestWorkflowEventRecordRoundTrip(t *testing.T) {
	e := event(StatusProposed, StatusRejected, RoleChecker, "bob")
	e.Reason = "price off market"

	record := NewWorkflowEventRecord("TRD_1", 2, e)
	assert.Equal(t, "TRD_1", record.TradeID)
	assert.Equal(t, 2, record.Sequence)
	assert.Equal(t, e, record.Event())
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	validation := &TransferValidation{ReasonCode: ReasonSenderInvalid}
	err := fmt.Errorf("approve: %w", &ValidationError{Validation: validation})

	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.False(t, errors.Is(err, ErrPreconditionFailed))

	got, ok := ValidationFrom(err)
	require.True(t, ok)
	assert.Same(t, validation, got)

	_, ok = ValidationFrom(ErrInternal)
	assert.False(t, ok)
}

func TestReasonCodeDescription(t *testing.T) {
	assert.Equal(t, "Transfer approved", ReasonSuccess.Description())
	assert.Equal(t, "Unknown reason", ReasonCode("NOPE").Description())
}
