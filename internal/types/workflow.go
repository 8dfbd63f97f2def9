package types

import (
	"encoding/json"
	"time"
)

// Role is a segregated workflow duty. Roles are mutually exclusive and
// non-hierarchical.
type Role string

const (
	RoleTrader  Role = "trader"
	RoleChecker Role = "checker"
	RoleAgent   Role = "agent"

	// RoleSystem is recorded on events produced by background processing. It
	// can never be declared by a caller.
	RoleSystem Role = "system"
)

// Valid reports whether the role can be declared by a caller
func (r Role) Valid() bool {
	switch r {
	case RoleTrader, RoleChecker, RoleAgent:
		return true
	}
	return false
}

// Actor is a declared (role, identity) pair performing a workflow action
type Actor struct {
	Role     Role   `json:"role"`
	Identity string `json:"identity"`
}

// StatusNone is the sentinel "from" status of the first workflow event
const StatusNone TradeStatus = "none"

// WorkflowEvent is an immutable entry of a trade's workflow history
type WorkflowEvent struct {
	From      TradeStatus `json:"from"`
	To        TradeStatus `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     Actor       `json:"actor"`
	Reason    string      `json:"reason,omitempty"`
}

// WorkflowHistory is an append-only sequence of workflow events. The only
// way to grow it is Append; Events returns a copy.
type WorkflowHistory struct {
	events []WorkflowEvent
}

// NewWorkflowHistory builds a history from already persisted events
func NewWorkflowHistory(events ...WorkflowEvent) WorkflowHistory {
	h := WorkflowHistory{}
	for _, e := range events {
		h = h.Append(e)
	}
	return h
}

// Append returns a history extended with e. The receiver is left untouched.
func (h WorkflowHistory) Append(e WorkflowEvent) WorkflowHistory {
	events := make([]WorkflowEvent, len(h.events), len(h.events)+1)
	copy(events, h.events)
	return WorkflowHistory{events: append(events, e)}
}

func (h WorkflowHistory) Len() int {
	return len(h.events)
}

// Last returns the most recent event, if any
func (h WorkflowHistory) Last() (WorkflowEvent, bool) {
	if len(h.events) == 0 {
		return WorkflowEvent{}, false
	}
	return h.events[len(h.events)-1], true
}

func (h WorkflowHistory) Events() []WorkflowEvent {
	out := make([]WorkflowEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h WorkflowHistory) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Events())
}

func (h *WorkflowHistory) UnmarshalJSON(data []byte) error {
	var events []WorkflowEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	*h = NewWorkflowHistory(events...)
	return nil
}

// TradeWorkflow is the history of a trade plus the actors that most
// recently drove each kind of transition
type TradeWorkflow struct {
	History    WorkflowHistory `json:"history"`
	ProposedBy *Actor          `json:"proposed_by,omitempty"`
	ApprovedBy *Actor          `json:"approved_by,omitempty"`
	RejectedBy *Actor          `json:"rejected_by,omitempty"`
	ExecutedBy *Actor          `json:"executed_by,omitempty"`
}

// Record appends the event and updates the denormalized actor pointers
func (w *TradeWorkflow) Record(e WorkflowEvent) {
	w.History = w.History.Append(e)
	actor := e.Actor
	switch e.To {
	case StatusProposed:
		w.ProposedBy = &actor
	case StatusApproved:
		w.ApprovedBy = &actor
	case StatusRejected:
		w.RejectedBy = &actor
	case StatusSettled, StatusExecuted:
		w.ExecutedBy = &actor
	}
}
