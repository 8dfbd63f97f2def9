package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/ledger"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
)

// DemoToken is the syndicated loan token seeded for demos
const DemoToken = "SLT-ACME-TLB-2031"

// Demo wallet addresses
const (
	LenderAlpha    = "0x1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d"
	LenderBeta     = "0x2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e"
	InvestorGamma  = "0x3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f"
	InvestorDelta  = "0x4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70"
	PendingKYC     = "0x5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7081"
	RestrictedFund = "0x6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192"
	LockedLender   = "0x708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3"
	FrozenLender   = "0x8192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4"
)

// Credential is a demo API key pair and the actor it declares
type Credential struct {
	APIKey    string
	APISecret string
	Actor     types.Actor
}

// DemoCredentials are registered with the auth service in demo mode
var DemoCredentials = []Credential{
	{APIKey: "trader_demo_key", APISecret: "trader_demo_secret", Actor: types.Actor{Role: types.RoleTrader, Identity: "alice.trader"}},
	{APIKey: "checker_demo_key", APISecret: "checker_demo_secret", Actor: types.Actor{Role: types.RoleChecker, Identity: "bob.checker"}},
	{APIKey: "agent_demo_key", APISecret: "agent_demo_secret", Actor: types.Actor{Role: types.RoleAgent, Identity: "carol.agent"}},
}

type holding struct {
	units  int64
	frozen int64
}

type demoParticipant struct {
	participant types.Participant
	holding     holding
	frozen      bool
}

// Ledger is a backend that can be seeded
type Ledger interface {
	ledger.Reader
	ledger.Admin
}

// ParticipantSaver persists participant records
type ParticipantSaver interface {
	SaveParticipant(ctx context.Context, participant *types.Participant) error
}

// participantRegistrar is implemented by ledgers that keep their own
// identity registry
type participantRegistrar interface {
	RegisterParticipant(p types.Participant)
}

func demoParticipants(now time.Time) []demoParticipant {
	lockup := now.AddDate(0, 6, 0)

	return []demoParticipant{
		{
			participant: types.Participant{Name: "Alpha Bank", Category: "lender", WalletAddress: LenderAlpha, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "US"},
			holding:     holding{units: 5_000_000},
		},
		{
			participant: types.Participant{Name: "Beta Credit Partners", Category: "lender", WalletAddress: LenderBeta, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "GB"},
			holding:     holding{units: 2_500_000, frozen: 500_000},
		},
		{
			participant: types.Participant{Name: "Gamma Pension Fund", Category: "investor", WalletAddress: InvestorGamma, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "DE"},
		},
		{
			participant: types.Participant{Name: "Delta CLO Management", Category: "investor", WalletAddress: InvestorDelta, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "SG"},
			holding:     holding{units: 750_000},
		},
		{
			participant: types.Participant{Name: "Epsilon Capital", Category: "investor", WalletAddress: PendingKYC, KYCStatus: types.KYCPending, Jurisdiction: "FR"},
			holding:     holding{units: 100_000},
		},
		{
			participant: types.Participant{Name: "Zeta Holdings", Category: "investor", WalletAddress: RestrictedFund, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "IR"},
		},
		{
			participant: types.Participant{Name: "Eta Direct Lending", Category: "lender", WalletAddress: LockedLender, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "US", LockupExpiry: &lockup},
			holding:     holding{units: 1_000_000},
		},
		{
			participant: types.Participant{Name: "Theta Asset Management", Category: "lender", WalletAddress: FrozenLender, KYCStatus: types.KYCApproved, Accredited: true, Jurisdiction: "CA"},
			holding:     holding{units: 1_200_000},
			frozen:      true,
		},
	}
}

// Participants registers the demo participants in the store and the ledger
// and mints their DemoToken holdings. Holders that already have a balance
// are not minted again.
func Participants(ctx context.Context, store ParticipantSaver, l Ledger) error {
	logger := log.With().Str("component", "seed").Logger()
	registrar, _ := l.(participantRegistrar)

	for _, d := range demoParticipants(time.Now()) {
		p := d.participant
		if err := store.SaveParticipant(ctx, &p); err != nil {
			return fmt.Errorf("failed to save participant %s: %w", p.Name, err)
		}
		if registrar != nil {
			registrar.RegisterParticipant(p)
		}

		balance, err := l.GetBalance(ctx, DemoToken, p.WalletAddress)
		if err != nil {
			return fmt.Errorf("failed to read balance of %s: %w", p.Name, err)
		}
		if d.holding.units > 0 && balance.Total == 0 {
			if err := l.Mint(ctx, DemoToken, p.WalletAddress, d.holding.units); err != nil {
				return fmt.Errorf("failed to mint for %s: %w", p.Name, err)
			}
		}
		if d.holding.frozen > 0 {
			if err := l.FreezeUnits(ctx, DemoToken, p.WalletAddress, d.holding.frozen); err != nil {
				return fmt.Errorf("failed to freeze units for %s: %w", p.Name, err)
			}
		}
		if d.frozen {
			if err := l.FreezeAddress(ctx, p.WalletAddress, "regulatory hold", true); err != nil {
				return fmt.Errorf("failed to freeze %s: %w", p.Name, err)
			}
		}

		logger.Debug().
			Str("participant", p.Name).
			Str("wallet_address", p.WalletAddress).
			Int64("units", d.holding.units).
			Msg("seeded participant")
	}

	return nil
}

// Credentials registers the demo API keys with the auth service
func Credentials(authService *auth.Service) error {
	for _, c := range DemoCredentials {
		if err := authService.RegisterAPICredentials(c.APIKey, c.APISecret, c.Actor); err != nil {
			return fmt.Errorf("failed to register %s credentials: %w", c.Actor.Role, err)
		}
	}
	return nil
}
