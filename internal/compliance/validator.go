package compliance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ksred/syndicate-api/internal/ledger"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Check names, in evaluation order
const (
	CheckSenderIdentity     = "sender_identity"
	CheckReceiverIdentity   = "receiver_identity"
	CheckFreezeStatus       = "freeze_status"
	CheckLockupPeriod       = "lockup_period"
	CheckAvailableBalance   = "available_balance"
	CheckCountryEligibility = "country_eligibility"
)

// Rules is the fixed rule set applied to every transfer
type Rules struct {
	// RequiredTopics must each be backed by a valid claim from a trusted issuer
	RequiredTopics []types.ClaimTopic
	TrustedIssuers []string
	// BlockedCountries are jurisdiction codes a receiver may not be registered in
	BlockedCountries []string
}

// DefaultRules requires KYC and accreditation claims
func DefaultRules(trustedIssuers ...string) Rules {
	return Rules{
		RequiredTopics: []types.ClaimTopic{types.ClaimTopicKYC, types.ClaimTopicAccreditation},
		TrustedIssuers: trustedIssuers,
	}
}

// Validator evaluates transfer compliance against the ledger. It never
// mutates state and only holds the ledger's read surface.
type Validator struct {
	ledger  ledger.Reader
	topics  []types.ClaimTopic
	issuers map[string]struct{}
	blocked map[string]struct{}
	now     func() time.Time
}

func NewValidator(reader ledger.Reader, rules Rules) *Validator {
	topics := append([]types.ClaimTopic(nil), rules.RequiredTopics...)
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })

	issuers := make(map[string]struct{}, len(rules.TrustedIssuers))
	for _, i := range rules.TrustedIssuers {
		issuers[i] = struct{}{}
	}
	blocked := make(map[string]struct{}, len(rules.BlockedCountries))
	for _, c := range rules.BlockedCountries {
		blocked[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	return &Validator{
		ledger:  reader,
		topics:  topics,
		issuers: issuers,
		blocked: blocked,
		now:     time.Now,
	}
}

// transferCheck is one evaluated rule. Blocking checks set the reason code
// when they are the first to fail; advisory checks only do so when nothing
// else failed.
type transferCheck struct {
	types.ComplianceCheck
	reason   types.ReasonCode
	advisory bool
}

// Validate evaluates whether units of token can move from seller to buyer.
// Failing business rules are reported in the returned validation; an error
// is only returned for malformed input or when the ledger cannot be read.
func (v *Validator) Validate(ctx context.Context, token, seller, buyer string, units int64) (*types.TransferValidation, error) {
	if token == "" || seller == "" || buyer == "" {
		return nil, fmt.Errorf("%w: token, seller and buyer are required", types.ErrBadRequest)
	}
	if units <= 0 {
		return nil, fmt.Errorf("%w: units must be positive, got %d", types.ErrBadRequest, units)
	}

	logger := log.With().
		Str("token", token).
		Str("seller", seller).
		Str("buyer", buyer).
		Int64("units", units).
		Str("service", "compliance").
		Logger()

	sender, err := v.ledger.GetIdentity(ctx, seller)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch sender identity")
		return nil, fmt.Errorf("%w: failed to fetch sender identity: %w", types.ErrInternal, err)
	}
	receiver, err := v.ledger.GetIdentity(ctx, buyer)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch receiver identity")
		return nil, fmt.Errorf("%w: failed to fetch receiver identity: %w", types.ErrInternal, err)
	}
	balance, err := v.ledger.GetBalance(ctx, token, seller)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch sender balance")
		return nil, fmt.Errorf("%w: failed to fetch sender balance: %w", types.ErrInternal, err)
	}

	checks := []transferCheck{
		v.checkIdentity(CheckSenderIdentity, "Sender", sender, types.ReasonSenderInvalid),
		v.checkIdentity(CheckReceiverIdentity, "Receiver", receiver, types.ReasonReceiverInvalid),
		checkFreeze(sender, receiver),
		v.checkLockup(sender),
		checkBalance(balance, units),
		v.checkCountry(receiver),
	}

	validation := evaluate(checks)

	logger.Info().
		Bool("can_transfer", validation.CanTransfer).
		Str("reason_code", string(validation.ReasonCode)).
		Strs("failed_checks", validation.FailedChecks()).
		Msg("transfer validation completed")

	return validation, nil
}

// evaluate folds the ordered checks into a validation. The first failing
// blocking check sets the reason; an advisory failure blocks the transfer
// but only sets the reason when no blocking check failed.
func evaluate(checks []transferCheck) *types.TransferValidation {
	validation := &types.TransferValidation{
		CanTransfer: true,
		ReasonCode:  types.ReasonSuccess,
		Checks:      make([]types.ComplianceCheck, 0, len(checks)),
	}

	var advisory types.ReasonCode
	for _, c := range checks {
		validation.Checks = append(validation.Checks, c.ComplianceCheck)
		if c.Passed {
			continue
		}
		if c.advisory {
			if advisory == "" {
				advisory = c.reason
			}
			continue
		}
		if validation.CanTransfer {
			validation.CanTransfer = false
			validation.ReasonCode = c.reason
		}
	}

	if validation.CanTransfer && advisory != "" {
		validation.CanTransfer = false
		validation.ReasonCode = advisory
	}

	validation.ReasonDescription = validation.ReasonCode.Description()
	return validation
}

func (v *Validator) checkIdentity(name, party string, id ledger.Identity, reason types.ReasonCode) transferCheck {
	check := transferCheck{
		ComplianceCheck: types.ComplianceCheck{Name: name},
		reason:          reason,
	}
	if !id.Registered {
		check.Detail = fmt.Sprintf("%s has no registered identity", party)
		return check
	}

	var missing []string
	for _, topic := range v.topics {
		if !v.hasTrustedClaim(id.Claims, topic) {
			missing = append(missing, topic.String())
		}
	}
	if len(missing) > 0 {
		check.Detail = fmt.Sprintf("%s lacks valid trusted claims for: %s", party, strings.Join(missing, ", "))
		return check
	}

	check.Passed = true
	check.Detail = fmt.Sprintf("%s identity verified", party)
	return check
}

func (v *Validator) hasTrustedClaim(claims []types.Claim, topic types.ClaimTopic) bool {
	for _, c := range claims {
		if c.Topic != topic || !c.Valid {
			continue
		}
		if _, ok := v.issuers[c.Issuer]; ok {
			return true
		}
	}
	return false
}

func checkFreeze(sender, receiver ledger.Identity) transferCheck {
	check := transferCheck{
		ComplianceCheck: types.ComplianceCheck{Name: CheckFreezeStatus},
		reason:          types.ReasonFundsLocked,
	}
	switch {
	case sender.Frozen && receiver.Frozen:
		check.Detail = "Sender and receiver addresses are frozen"
	case sender.Frozen:
		check.Detail = "Sender address is frozen"
	case receiver.Frozen:
		check.Detail = "Receiver address is frozen"
	default:
		check.Passed = true
		check.Detail = "Neither address is frozen"
	}
	return check
}

func (v *Validator) checkLockup(sender ledger.Identity) transferCheck {
	check := transferCheck{
		ComplianceCheck: types.ComplianceCheck{Name: CheckLockupPeriod},
		reason:          types.ReasonFundsLocked,
	}
	if sender.LockupExpiry == nil {
		check.Passed = true
		check.Detail = "No lockup period"
		return check
	}

	expiry := sender.LockupExpiry.UTC().Format(time.RFC3339)
	if sender.LockupExpiry.Before(v.now()) {
		check.Passed = true
		check.Detail = fmt.Sprintf("Lockup expired at %s", expiry)
		return check
	}
	check.Detail = fmt.Sprintf("Sender is locked up until %s", expiry)
	return check
}

func checkBalance(balance ledger.Balance, units int64) transferCheck {
	available := balance.Available()
	return transferCheck{
		ComplianceCheck: types.ComplianceCheck{
			Name:   CheckAvailableBalance,
			Passed: available >= units,
			Detail: fmt.Sprintf("Available: %d units (total: %d, frozen: %d), requested: %d",
				available, balance.Total, balance.Frozen, units),
		},
		reason: types.ReasonInsufficientBalance,
	}
}

func (v *Validator) checkCountry(receiver ledger.Identity) transferCheck {
	check := transferCheck{
		ComplianceCheck: types.ComplianceCheck{Name: CheckCountryEligibility},
		reason:          types.ReasonCountryRestricted,
		advisory:        true,
	}
	country := strings.ToUpper(strings.TrimSpace(receiver.Country))
	if country == "" {
		check.Detail = "Receiver has no registered country"
		return check
	}
	if _, blocked := v.blocked[country]; blocked {
		check.Detail = fmt.Sprintf("Receiver country %s is restricted", country)
		return check
	}
	check.Passed = true
	check.Detail = fmt.Sprintf("Receiver country %s is eligible", country)
	return check
}
