package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/syndicate-api/internal/ledger"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	issuer = "did:test:issuer"
	token  = "SLT-TEST"
	seller = "0xseller"
	buyer  = "0xbuyer"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx       context.Context
	sim       *ledger.Simulator
	validator *Validator
}

func verified(address, country string) types.Participant {
	return types.Participant{
		WalletAddress: address,
		KYCStatus:     types.KYCApproved,
		Accredited:    true,
		Jurisdiction:  country,
	}
}

// newFixture seeds a verified seller holding 50 units and a verified buyer
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	sim := ledger.NewSimulator(ledger.NewState(), issuer)
	sim.RegisterParticipant(verified(seller, "US"))
	sim.RegisterParticipant(verified(buyer, "GB"))
	require.NoError(t, sim.Mint(ctx, token, seller, 50))

	rules := DefaultRules(issuer)
	rules.BlockedCountries = []string{"KP", "IR"}
	v := NewValidator(sim, rules)
	v.now = func() time.Time { return fixedNow }

	return &fixture{ctx: ctx, sim: sim, validator: v}
}

func (f *fixture) validate(t *testing.T, units int64) *types.TransferValidation {
	t.Helper()
	validation, err := f.validator.Validate(f.ctx, token, seller, buyer, units)
	require.NoError(t, err)
	require.NotNil(t, validation)
	return validation
}

func checkNamed(t *testing.T, v *types.TransferValidation, name string) types.ComplianceCheck {
	t.Helper()
	for _, c := range v.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return types.ComplianceCheck{}
}

func assertConsistent(t *testing.T, v *types.TransferValidation) {
	t.Helper()
	allPassed := true
	for _, c := range v.Checks {
		allPassed = allPassed && c.Passed
	}
	assert.Equal(t, allPassed, v.CanTransfer)
	assert.Equal(t, v.ReasonCode.Description(), v.ReasonDescription)
}

func TestValidateSuccess(t *testing.T) {
	f := newFixture(t)

	v := f.validate(t, 10)
	assert.True(t, v.CanTransfer)
	assert.Equal(t, types.ReasonSuccess, v.ReasonCode)
	assert.Equal(t, "Transfer approved", v.ReasonDescription)
	assert.Empty(t, v.FailedChecks())
	assertConsistent(t, v)

	names := make([]string, 0, len(v.Checks))
	for _, c := range v.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		CheckSenderIdentity,
		CheckReceiverIdentity,
		CheckFreezeStatus,
		CheckLockupPeriod,
		CheckAvailableBalance,
		CheckCountryEligibility,
	}, names)
}

func TestValidateInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sim.FreezeUnits(f.ctx, token, seller, 45))

	v := f.validate(t, 10)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonInsufficientBalance, v.ReasonCode)
	assertConsistent(t, v)

	balance := checkNamed(t, v, CheckAvailableBalance)
	assert.False(t, balance.Passed)
	assert.Contains(t, balance.Detail, "Available: 5 units")
	assert.Contains(t, balance.Detail, "total: 50")
	assert.Contains(t, balance.Detail, "frozen: 45")
}

func TestValidateUnregisteredReceiver(t *testing.T) {
	f := newFixture(t)

	v, err := f.validator.Validate(f.ctx, token, seller, "0xnobody", 10)
	require.NoError(t, err)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonReceiverInvalid, v.ReasonCode)
	assert.Equal(t, "Receiver has no registered identity", checkNamed(t, v, CheckReceiverIdentity).Detail)
	assertConsistent(t, v)
}

func TestValidateSenderReasonTakesPrecedence(t *testing.T) {
	f := newFixture(t)

	// Sender without identity and receiver without identity, no balance
	v, err := f.validator.Validate(f.ctx, token, "0xghost", "0xnobody", 10)
	require.NoError(t, err)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonSenderInvalid, v.ReasonCode)
	assert.ElementsMatch(t, []string{
		CheckSenderIdentity, CheckReceiverIdentity, CheckAvailableBalance, CheckCountryEligibility,
	}, v.FailedChecks())
}

func TestValidateMissingAccreditationClaim(t *testing.T) {
	f := newFixture(t)
	p := verified(buyer, "GB")
	p.Accredited = false
	f.sim.RegisterParticipant(p)

	v := f.validate(t, 10)
	assert.Equal(t, types.ReasonReceiverInvalid, v.ReasonCode)
	assert.Equal(t, "Receiver lacks valid trusted claims for: ACCREDITATION", checkNamed(t, v, CheckReceiverIdentity).Detail)
}

func TestValidateUntrustedIssuer(t *testing.T) {
	f := newFixture(t)
	p := verified(seller, "US")
	p.Claims = []types.Claim{
		{Topic: types.ClaimTopicKYC, Issuer: "did:rogue", Valid: true},
		{Topic: types.ClaimTopicAccreditation, Issuer: issuer, Valid: true},
	}
	f.sim.RegisterParticipant(p)

	v := f.validate(t, 10)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonSenderInvalid, v.ReasonCode)
	assert.Equal(t, "Sender lacks valid trusted claims for: KYC", checkNamed(t, v, CheckSenderIdentity).Detail)
}

func TestValidateFrozenAddress(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sim.FreezeAddress(f.ctx, buyer, "court order", true))

	v := f.validate(t, 10)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonFundsLocked, v.ReasonCode)
	assert.Equal(t, "Receiver address is frozen", checkNamed(t, v, CheckFreezeStatus).Detail)

	require.NoError(t, f.sim.FreezeAddress(f.ctx, buyer, "", false))
	assert.True(t, f.validate(t, 10).CanTransfer)
}

func TestValidateLockup(t *testing.T) {
	f := newFixture(t)

	future := fixedNow.Add(24 * time.Hour)
	f.sim.SetLockup(seller, &future)
	v := f.validate(t, 10)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonFundsLocked, v.ReasonCode)
	assert.Equal(t, "Sender is locked up until 2026-06-02T12:00:00Z", checkNamed(t, v, CheckLockupPeriod).Detail)

	past := fixedNow.Add(-time.Hour)
	f.sim.SetLockup(seller, &past)
	v = f.validate(t, 10)
	assert.True(t, v.CanTransfer)
	assert.True(t, checkNamed(t, v, CheckLockupPeriod).Passed)
}

func TestValidateCountryOnlyFailureBlocks(t *testing.T) {
	f := newFixture(t)
	f.sim.RegisterParticipant(verified(buyer, "ir"))

	v := f.validate(t, 10)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonCountryRestricted, v.ReasonCode)
	assert.Equal(t, []string{CheckCountryEligibility}, v.FailedChecks())
	assert.Equal(t, "Receiver country IR is restricted", checkNamed(t, v, CheckCountryEligibility).Detail)
	assertConsistent(t, v)
}

func TestValidateCountryDoesNotOverrideBlockingReason(t *testing.T) {
	f := newFixture(t)
	f.sim.RegisterParticipant(verified(buyer, "KP"))

	v := f.validate(t, 500)
	assert.False(t, v.CanTransfer)
	assert.Equal(t, types.ReasonInsufficientBalance, v.ReasonCode)
	assert.ElementsMatch(t, []string{CheckAvailableBalance, CheckCountryEligibility}, v.FailedChecks())
	assertConsistent(t, v)
}

func TestValidateMissingCountry(t *testing.T) {
	f := newFixture(t)
	f.sim.RegisterParticipant(verified(buyer, ""))

	v := f.validate(t, 10)
	assert.Equal(t, types.ReasonCountryRestricted, v.ReasonCode)
	assert.Equal(t, "Receiver has no registered country", checkNamed(t, v, CheckCountryEligibility).Detail)
}

func TestValidateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sim.FreezeUnits(f.ctx, token, seller, 45))
	f.sim.RegisterParticipant(verified(buyer, "KP"))

	first := f.validate(t, 10)
	second := f.validate(t, 10)
	assert.Equal(t, first, second)
}

func TestValidateDoesNotMutateLedger(t *testing.T) {
	f := newFixture(t)

	before, err := f.sim.GetBalance(f.ctx, token, seller)
	require.NoError(t, err)
	f.validate(t, 10)
	after, err := f.sim.GetBalance(f.ctx, token, seller)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.validator.Validate(f.ctx, token, seller, buyer, 0)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	_, err = f.validator.Validate(f.ctx, "", seller, buyer, 10)
	assert.ErrorIs(t, err, types.ErrBadRequest)
}

type failingReader struct{}

var errLedgerDown = errors.New("ledger unreachable")

func (failingReader) GetBalance(ctx context.Context, token, address string) (ledger.Balance, error) {
	return ledger.Balance{}, errLedgerDown
}

func (failingReader) GetIdentity(ctx context.Context, address string) (ledger.Identity, error) {
	return ledger.Identity{}, errLedgerDown
}

func TestValidateLedgerFailureIsInternal(t *testing.T) {
	v := NewValidator(failingReader{}, DefaultRules(issuer))

	validation, err := v.Validate(context.Background(), token, seller, buyer, 10)
	assert.Nil(t, validation)
	assert.ErrorIs(t, err, types.ErrInternal)
	assert.ErrorIs(t, err, errLedgerDown)
}
