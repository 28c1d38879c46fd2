package pay

import (
	"encoding/json"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/signing"
)

// Payment modes accepted in the request body.
const (
	ModePay         = "pay"
	ModeAbortRefund = "abort-refund"
)

// Coin is one coin offered in a /pay request.
type Coin struct {
	CoinPub      string        `json:"coin_pub"`
	DenomPub     string        `json:"denom_pub"`
	DenomSig     string        `json:"ub_sig"`
	CoinSig      string        `json:"coin_sig"`
	Contribution amount.Amount `json:"contribution"`
	ExchangeURL  string        `json:"exchange_url"`
}

// Request is the parsed /pay body.
type Request struct {
	Mode        string `json:"mode,omitempty"`
	Coins       []Coin `json:"coins"`
	OrderID     string `json:"order_id"`
	MerchantPub string `json:"merchant_pub"`
	SessionID   string `json:"session_id,omitempty"`
}

// RefundPermission is one signed per-coin refund authorization.
type RefundPermission struct {
	CoinPub        string        `json:"coin_pub"`
	RTransactionID uint64        `json:"rtransaction_id"`
	RefundAmount   amount.Amount `json:"refund_amount"`
	RefundFee      amount.Amount `json:"refund_fee"`
	MerchantSig    string        `json:"merchant_sig"`
}

// Response is the success reply of a completed payment.
type Response struct {
	ContractTerms     json.RawMessage    `json:"contract_terms"`
	Sig               string             `json:"sig"`
	HContractTerms    signing.Hash       `json:"h_contract_terms"`
	RefundPermissions []RefundPermission `json:"refund_permissions"`
}

// AbortResponse is the success reply of an aborted partial payment.
type AbortResponse struct {
	RefundPermissions []RefundPermission `json:"refund_permissions"`
	MerchantPub       string             `json:"merchant_pub"`
	HContractTerms    signing.Hash       `json:"h_contract_terms"`
}

// coinState tracks one request coin through reconciliation and deposit
// rounds.
type coinState struct {
	coin Coin

	foundInDB bool
	refunded  bool

	depositFee amount.Amount
	refundFee  amount.Amount
	wireFee    amount.Amount
}
