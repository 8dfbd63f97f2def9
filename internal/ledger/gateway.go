package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/syndicate-api/internal/types"
)

var (
	// ErrTransferRejected is returned when the ledger refuses to move units,
	// e.g. because the available balance changed underneath the caller
	ErrTransferRejected = errors.New("ledger rejected transfer")
	ErrInvalidTransfer  = errors.New("invalid transfer request")
)

// Balance is a holder's position in one token
type Balance struct {
	Total  int64 `json:"total"`
	Frozen int64 `json:"frozen"`
}

// Available returns the transferable part of the balance
func (b Balance) Available() int64 {
	if b.Frozen >= b.Total {
		return 0
	}
	return b.Total - b.Frozen
}

// Identity is the identity registry view of an address
type Identity struct {
	Address      string        `json:"address"`
	Registered   bool          `json:"registered"`
	Claims       []types.Claim `json:"claims,omitempty"`
	Country      string        `json:"country,omitempty"`
	Frozen       bool          `json:"frozen"`
	LockupExpiry *time.Time    `json:"lockup_expiry,omitempty"`
}

// TransferRequest moves units of a token between two holders. DedupeKey
// identifies the settlement: a retried transfer with the same key returns
// the original settlement reference without moving units again.
type TransferRequest struct {
	Token     string
	From      string
	To        string
	Units     int64
	DedupeKey string
}

func (r TransferRequest) validate() error {
	if r.Token == "" || r.From == "" || r.To == "" {
		return fmt.Errorf("%w: token, from and to are required", ErrInvalidTransfer)
	}
	if r.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidTransfer)
	}
	if r.DedupeKey == "" {
		return fmt.Errorf("%w: dedupe key is required", ErrInvalidTransfer)
	}
	return nil
}

// Reader is the read surface consulted by compliance validation
type Reader interface {
	GetBalance(ctx context.Context, token, address string) (Balance, error)
	GetIdentity(ctx context.Context, address string) (Identity, error)
}

// Gateway is a ledger backend. Transfer is the only mutation and must be
// atomic: either both balances change or neither does.
type Gateway interface {
	Reader
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	SettlementFor(ctx context.Context, dedupeKey string) (string, bool, error)
}

// Admin seeds and administers holdings. Both backends implement it.
type Admin interface {
	Mint(ctx context.Context, token, address string, units int64) error
	FreezeUnits(ctx context.Context, token, address string, units int64) error
	FreezeAddress(ctx context.Context, address, reason string, frozen bool) error
}
