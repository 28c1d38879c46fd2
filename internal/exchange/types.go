package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/signing"
)

// Client is the outbound contract the payment core requires from the
// exchange side. Every operation honors context cancellation; a
// cancelled call never delivers a result.
type Client interface {
	// FindExchange fetches (or reuses) the exchange's key set and
	// resolves the wire fee for the given wire method.
	FindExchange(ctx context.Context, baseURL, wireMethod string) (*Handle, error)

	// Deposit submits one spent coin for credit to the merchant.
	Deposit(ctx context.Context, h *Handle, req DepositRequest) (DepositResult, error)

	// Refund asks the exchange to undo (part of) a prior deposit.
	Refund(ctx context.Context, h *Handle, req RefundRequest) (RefundResult, error)
}

// Handle is a resolved exchange: its key set plus the wire fee that
// applies to the requested wire method.
type Handle struct {
	BaseURL string
	Keys    Keys
	WireFee amount.Amount
	Trusted bool
}

// Keys is the exchange's published key set.
type Keys struct {
	Currency      string                     `json:"currency"`
	Denominations []Denomination             `json:"denoms"`
	WireFees      map[string][]WireFeePeriod `json:"wire_fees"`
}

// Denomination is one coin denomination offered by the exchange.
type Denomination struct {
	DenomPub           string        `json:"denom_pub"`
	Value              amount.Amount `json:"value"`
	FeeDeposit         amount.Amount `json:"fee_deposit"`
	FeeRefund          amount.Amount `json:"fee_refund"`
	StampExpireDeposit time.Time     `json:"stamp_expire_deposit"`
}

// WireFeePeriod is the wire fee charged for one aggregation period.
type WireFeePeriod struct {
	WireFee   amount.Amount `json:"wire_fee"`
	StartDate time.Time     `json:"start_date"`
	EndDate   time.Time     `json:"end_date"`
}

// Denomination looks up a denomination by its public key.
func (k *Keys) Denomination(denomPub string) (*Denomination, bool) {
	for i := range k.Denominations {
		if k.Denominations[i].DenomPub == denomPub {
			return &k.Denominations[i], true
		}
	}
	return nil, false
}

// CurrentWireFee resolves the wire fee for a wire method at time now.
func (k *Keys) CurrentWireFee(wireMethod string, now time.Time) (amount.Amount, bool) {
	for _, period := range k.WireFees[wireMethod] {
		if !now.Before(period.StartDate) && now.Before(period.EndDate) {
			return period.WireFee, true
		}
	}
	return amount.Amount{}, false
}

// DepositRequest carries one coin's deposit permission.
type DepositRequest struct {
	AmountWithFee  amount.Amount
	WireDeadline   time.Time
	JWire          json.RawMessage
	HContractTerms signing.Hash
	CoinPub        string
	DenomPub       string
	DenomSig       string
	CoinSig        string
	Timestamp      time.Time
	MerchantPub    string
	RefundDeadline time.Time
	// ForwardToAuditor flags this deposit for auditor forwarding
	// (force_audit mode).
	ForwardToAuditor bool
}

// DepositResult is the exchange's confirmation of a deposit.
type DepositResult struct {
	ExchangeSig string
	SigningPub  string
	// Proof is the raw confirmation body, persisted with the deposit.
	Proof json.RawMessage
}

// RefundRequest asks the exchange to undo part of a deposit.
type RefundRequest struct {
	RefundAmount   amount.Amount
	RefundFee      amount.Amount
	HContractTerms signing.Hash
	CoinPub        string
	RTransactionID uint64
	// MerchantSig is the RefundRequestPS signature authorizing the refund.
	MerchantSig string
	MerchantPub string
}

// RefundResult is the exchange's signed confirmation of a refund.
type RefundResult struct {
	SigningPub  string
	ExchangeSig string
}

// FindFailure classifies FindExchange errors.
type FindFailure int

const (
	// FindKeysFailed: the /keys download failed or did not parse.
	FindKeysFailed FindFailure = iota
	// FindCurrencyMismatch: the exchange operates in another currency.
	FindCurrencyMismatch
	// FindWireMethodMissing: the exchange does not support the wire
	// method the contract requires.
	FindWireMethodMissing
)

// FindError is a typed FindExchange failure.
type FindError struct {
	Failure FindFailure
	BaseURL string
	Err     error
}

func (e *FindError) Error() string {
	switch e.Failure {
	case FindCurrencyMismatch:
		return fmt.Sprintf("exchange %s: currency mismatch", e.BaseURL)
	case FindWireMethodMissing:
		return fmt.Sprintf("exchange %s: wire method not offered", e.BaseURL)
	default:
		return fmt.Sprintf("exchange %s: keys fetch failed: %v", e.BaseURL, e.Err)
	}
}

func (e *FindError) Unwrap() error { return e.Err }

// RPCError is a non-200 reply from a deposit or refund submission. Body
// is the verbatim reply; JSON check happens at the reply-mapping layer.
type RPCError struct {
	Op         string
	HTTPStatus int
	Code       int
	Body       json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("exchange %s: http %d ec %d", e.Op, e.HTTPStatus, e.Code)
}

// Exchange-side numeric codes the core reacts to.
const (
	// ECDepositInsufficientFunds is the exchange's code for a coin with
	// insufficient remaining value.
	ECDepositInsufficientFunds = 1205
)
