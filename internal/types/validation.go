package types

// ReasonCode identifies why a transfer validation passed or failed
type ReasonCode string

const (
	ReasonSuccess             ReasonCode = "SUCCESS"
	ReasonSenderInvalid       ReasonCode = "SENDER_INVALID"
	ReasonReceiverInvalid     ReasonCode = "RECEIVER_INVALID"
	ReasonFundsLocked         ReasonCode = "FUNDS_LOCKED"
	ReasonInsufficientBalance ReasonCode = "INSUFFICIENT_BALANCE"
	ReasonCountryRestricted   ReasonCode = "COUNTRY_RESTRICTED"
)

var reasonDescriptions = map[ReasonCode]string{
	ReasonSuccess:             "Transfer approved",
	ReasonSenderInvalid:       "Sender identity is not verified",
	ReasonReceiverInvalid:     "Receiver identity is not verified",
	ReasonFundsLocked:         "Funds are frozen or within a lockup period",
	ReasonInsufficientBalance: "Sender has insufficient available balance",
	ReasonCountryRestricted:   "Receiver jurisdiction is not eligible",
}

// Description returns the fixed human readable description for the code
func (r ReasonCode) Description() string {
	if d, ok := reasonDescriptions[r]; ok {
		return d
	}
	return "Unknown reason"
}

// ComplianceCheck is the result of one named compliance test
type ComplianceCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// TransferValidation is the outcome of one compliance evaluation.
// CanTransfer is true iff every check passed.
type TransferValidation struct {
	CanTransfer       bool              `json:"can_transfer"`
	ReasonCode        ReasonCode        `json:"reason_code"`
	ReasonDescription string            `json:"reason_description"`
	Checks            []ComplianceCheck `json:"checks"`
}

// FailedChecks returns the names of the checks that did not pass
func (v *TransferValidation) FailedChecks() []string {
	var failed []string
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
