package exchange

import (
	"time"
)

// Auditor decides whether a denomination may be accepted. Even a
// denomination from a trusted exchange can be rejected here when an
// auditor withdrew consent for it.
type Auditor struct {
	// deniedDenoms lists denomination public keys an auditor flagged.
	deniedDenoms map[string]bool
	// ForceAudit flags every deposit for auditor forwarding.
	ForceAudit bool
}

// NewAuditor builds the consent check from the configured deny list.
func NewAuditor(deniedDenoms []string, forceAudit bool) *Auditor {
	denied := make(map[string]bool, len(deniedDenoms))
	for _, d := range deniedDenoms {
		denied[d] = true
	}
	return &Auditor{deniedDenoms: denied, ForceAudit: forceAudit}
}

// CheckDenomination validates a denomination before a deposit is
// issued: it must exist in the exchange's key set, must not be expired
// for deposits, and must not be on the auditor deny list.
func (a *Auditor) CheckDenomination(h *Handle, denomPub string, now time.Time) error {
	denom, ok := h.Keys.Denomination(denomPub)
	if !ok {
		return &DenominationError{DenomPub: denomPub, Reason: "not offered by exchange"}
	}
	if !denom.StampExpireDeposit.IsZero() && now.After(denom.StampExpireDeposit) {
		return &DenominationError{DenomPub: denomPub, Reason: "expired for deposits"}
	}
	if a.deniedDenoms[denomPub] {
		return &DenominationError{DenomPub: denomPub, Reason: "auditor consent withdrawn", AuditorDenied: true}
	}
	return nil
}

// DenominationError rejects a coin's denomination.
type DenominationError struct {
	DenomPub      string
	Reason        string
	AuditorDenied bool
}

func (e *DenominationError) Error() string {
	return "denomination " + e.DenomPub + ": " + e.Reason
}
