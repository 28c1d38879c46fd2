package pay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/talerforge/merchant/internal/amount"
)

// Timestamp wraps time.Time and accepts either a unix-seconds integer
// or an RFC 3339 string in contract terms documents.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed
		return nil
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Unix())
}

// ContractTerms is the subset of the proposal document the payment
// processor needs. The raw document is hashed as stored; these fields
// are only read, never re-serialized.
type ContractTerms struct {
	Amount               amount.Amount  `json:"amount"`
	MaxFee               amount.Amount  `json:"max_fee"`
	MaxWireFee           *amount.Amount `json:"max_wire_fee,omitempty"`
	WireFeeAmortization  uint32         `json:"wire_fee_amortization,omitempty"`
	Timestamp            Timestamp      `json:"timestamp"`
	RefundDeadline       Timestamp      `json:"refund_deadline"`
	PayDeadline          Timestamp      `json:"pay_deadline"`
	WireTransferDeadline Timestamp      `json:"wire_transfer_deadline"`
	HWire                string         `json:"h_wire"`
	MerchantPub          string         `json:"merchant_pub"`
	OrderID              string         `json:"order_id"`
	FulfillmentURL       string         `json:"fulfillment_url,omitempty"`
}

// parseContractTerms decodes the stored proposal document and applies
// the defaulting rules: absent max_wire_fee means zero in the contract
// currency, absent or zero wire_fee_amortization means 1.
func parseContractTerms(doc json.RawMessage) (*ContractTerms, error) {
	var terms ContractTerms
	if err := json.Unmarshal(doc, &terms); err != nil {
		return nil, fmt.Errorf("contract terms: %w", err)
	}
	if terms.MaxWireFee == nil {
		zero := amount.Amount{Currency: terms.Amount.Currency}
		terms.MaxWireFee = &zero
	}
	if terms.WireFeeAmortization == 0 {
		terms.WireFeeAmortization = 1
	}
	return &terms, nil
}
