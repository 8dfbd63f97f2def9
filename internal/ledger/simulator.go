package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
)

// State is the backing store of the simulated ledger. It is owned by a
// Simulator and only reached through it.
type State struct {
	mu          sync.RWMutex
	identities  map[string]Identity
	holdings    map[string]map[string]Balance // token -> address -> balance
	settlements map[string]string             // dedupe key -> settlement ref
}

func NewState() *State {
	return &State{
		identities:  make(map[string]Identity),
		holdings:    make(map[string]map[string]Balance),
		settlements: make(map[string]string),
	}
}

// Simulator is an in-memory Gateway used for demos and tests
type Simulator struct {
	state  *State
	issuer string
}

// NewSimulator creates a simulated ledger over the given state. Claims
// derived from participant records are attributed to issuer.
func NewSimulator(state *State, issuer string) *Simulator {
	if state == nil {
		state = NewState()
	}
	return &Simulator{state: state, issuer: issuer}
}

// RegisterParticipant adds or replaces the identity of a participant
func (s *Simulator) RegisterParticipant(p types.Participant) {
	address := types.NormalizeAddress(p.WalletAddress)

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	frozen := s.state.identities[address].Frozen
	s.state.identities[address] = Identity{
		Address:      address,
		Registered:   true,
		Claims:       p.EffectiveClaims(s.issuer),
		Country:      p.Jurisdiction,
		Frozen:       frozen,
		LockupExpiry: p.LockupExpiry,
	}
}

// Mint credits units to an address
func (s *Simulator) Mint(ctx context.Context, token, address string, units int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidTransfer)
	}
	address = types.NormalizeAddress(address)

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	b := s.state.holding(token, address)
	b.Total += units
	s.state.holdings[token][address] = b
	return nil
}

// FreezeAddress sets or clears the administrative freeze of an address
func (s *Simulator) FreezeAddress(ctx context.Context, address, reason string, frozen bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address = types.NormalizeAddress(address)
	log.Info().
		Str("address", address).
		Str("reason", reason).
		Bool("frozen", frozen).
		Str("service", "ledger_simulator").
		Msg("address freeze updated")

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	id, ok := s.state.identities[address]
	if !ok {
		id = Identity{Address: address}
	}
	id.Frozen = frozen
	s.state.identities[address] = id
	return nil
}

// FreezeUnits marks part of a holding as non-transferable
func (s *Simulator) FreezeUnits(ctx context.Context, token, address string, units int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address = types.NormalizeAddress(address)

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	b, ok := s.state.holdings[token][address]
	if !ok {
		return errors.New("holding not found")
	}
	b.Frozen = units
	s.state.holdings[token][address] = b
	return nil
}

// SetLockup sets or clears the lockup expiry of an address
func (s *Simulator) SetLockup(address string, expiry *time.Time) {
	address = types.NormalizeAddress(address)

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	id, ok := s.state.identities[address]
	if !ok {
		id = Identity{Address: address}
	}
	id.LockupExpiry = expiry
	s.state.identities[address] = id
}

func (s *Simulator) GetBalance(ctx context.Context, token, address string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	address = types.NormalizeAddress(address)

	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	return s.state.holdings[token][address], nil
}

func (s *Simulator) GetIdentity(ctx context.Context, address string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	address = types.NormalizeAddress(address)

	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	id, ok := s.state.identities[address]
	if !ok {
		return Identity{Address: address}, nil
	}
	id.Claims = append([]types.Claim(nil), id.Claims...)
	return id, nil
}

func (s *Simulator) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
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
		Str("service", "ledger_simulator").
		Logger()

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if ref, ok := s.state.settlements[req.DedupeKey]; ok {
		logger.Info().Str("settlement_ref", ref).Msg("transfer already settled, returning original reference")
		return ref, nil
	}

	sender := s.state.holding(req.Token, from)
	if sender.Available() < req.Units {
		return "", fmt.Errorf("%w: available %d, requested %d", ErrTransferRejected, sender.Available(), req.Units)
	}
	receiver := s.state.holding(req.Token, to)

	sender.Total -= req.Units
	receiver.Total += req.Units
	s.state.holdings[req.Token][from] = sender
	s.state.holdings[req.Token][to] = receiver

	ref := "STL_" + uuid.New().String()
	s.state.settlements[req.DedupeKey] = ref

	logger.Info().
		Str("settlement_ref", ref).
		Int64("units", req.Units).
		Msg("simulated transfer settled")

	return ref, nil
}

func (s *Simulator) SettlementFor(ctx context.Context, dedupeKey string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	ref, ok := s.state.settlements[dedupeKey]
	return ref, ok, nil
}

// holding returns the balance for token/address, creating the token map.
// Caller must hold the write lock.
func (st *State) holding(token, address string) Balance {
	if _, ok := st.holdings[token]; !ok {
		st.holdings[token] = make(map[string]Balance)
	}
	return st.holdings[token][address]
}
