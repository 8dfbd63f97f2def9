package types

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// KYCStatus is the know-your-customer state of a participant
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
	KYCExpired  KYCStatus = "expired"
)

// ClaimTopic identifies what an identity claim attests to
type ClaimTopic int

const (
	ClaimTopicKYC           ClaimTopic = 1
	ClaimTopicAML           ClaimTopic = 2
	ClaimTopicAccreditation ClaimTopic = 7
)

// String returns the human readable name of the claim topic
func (t ClaimTopic) String() string {
	switch t {
	case ClaimTopicKYC:
		return "KYC"
	case ClaimTopicAML:
		return "AML"
	case ClaimTopicAccreditation:
		return "ACCREDITATION"
	default:
		return "TOPIC_UNKNOWN"
	}
}

// Claim is an attestation by an issuer that an identity satisfies a requirement
type Claim struct {
	Topic  ClaimTopic `json:"topic"`
	Issuer string     `json:"issuer"`
	Valid  bool       `json:"valid"`
}

type Participant struct {
	gorm.Model       `json:"-"`
	ParticipantID    string     `gorm:"uniqueIndex" json:"participant_id"`
	Name             string     `json:"name"`
	Category         string     `json:"category"` // lender, borrower, investor, agent
	WalletAddress    string     `gorm:"uniqueIndex" json:"wallet_address"`
	KYCStatus        KYCStatus  `json:"kyc_status"`
	Accredited       bool       `json:"accredited"`
	Jurisdiction     string     `json:"jurisdiction"`
	LockupExpiry     *time.Time `json:"lockup_expiry,omitempty"`
	IdentityContract string     `json:"identity_contract,omitempty"`
	Claims           []Claim    `gorm:"serializer:json" json:"claims,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectiveClaims returns the participant's registered claims. Participants
// without explicit claims get claims derived from their KYC status and
// accreditation flag, attributed to the given issuer.
func (p *Participant) EffectiveClaims(issuer string) []Claim {
	if len(p.Claims) > 0 {
		out := make([]Claim, len(p.Claims))
		copy(out, p.Claims)
		return out
	}

	var claims []Claim
	if p.KYCStatus != "" && p.KYCStatus != KYCPending {
		claims = append(claims, Claim{
			Topic:  ClaimTopicKYC,
			Issuer: issuer,
			Valid:  p.KYCStatus == KYCApproved,
		})
	}
	if p.Accredited {
		claims = append(claims, Claim{
			Topic:  ClaimTopicAccreditation,
			Issuer: issuer,
			Valid:  true,
		})
	}
	return claims
}

// NormalizeAddress canonicalizes a wallet address for lookups
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
