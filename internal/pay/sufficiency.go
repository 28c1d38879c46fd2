package pay

import (
	"errors"

	"github.com/talerforge/merchant/internal/amount"
	merr "github.com/talerforge/merchant/internal/errors"
)

// checkPaymentSufficient classifies a fully reconciled set of coins
// against the contract terms. All coins must already carry their
// deposit, refund and wire fees from the database. Returns nil when
// the payment covers the contract.
func checkPaymentSufficient(terms *ContractTerms, coins []*coinState, totalRefunded amount.Amount) *merr.Error {
	if len(coins) == 0 {
		return merr.New(merr.ErrCodePaymentInsufficient, "no coins given")
	}

	accFee := amount.Amount{Currency: terms.Amount.Currency}
	accAmount := amount.Amount{Currency: terms.Amount.Currency}
	for _, cs := range coins {
		cmp, err := cs.depositFee.Cmp(cs.coin.Contribution)
		if err != nil {
			return feeArithmeticError(err)
		}
		if cmp > 0 {
			return merr.New(merr.ErrCodeFeesExceedPayment, "deposit fee exceeds coin contribution").
				WithDetail("coin_pub", cs.coin.CoinPub)
		}
		if accFee, err = accFee.Add(cs.depositFee); err != nil {
			return feeArithmeticError(err)
		}
		if accAmount, err = accAmount.Add(cs.coin.Contribution); err != nil {
			return feeArithmeticError(err)
		}
	}

	// Wire fee is owed once per distinct exchange.
	totalWireFee := amount.Amount{Currency: terms.MaxWireFee.Currency}
	seen := make(map[string]bool)
	for _, cs := range coins {
		if seen[cs.coin.ExchangeURL] {
			continue
		}
		seen[cs.coin.ExchangeURL] = true
		if !totalWireFee.SameCurrency(cs.wireFee) {
			return merr.New(merr.ErrCodeWireFeeCurrencyMismatch, "exchange wire fee in a different currency").
				WithDetail("exchange_url", cs.coin.ExchangeURL)
		}
		var err error
		if totalWireFee, err = totalWireFee.Add(cs.wireFee); err != nil {
			return feeArithmeticError(err)
		}
	}

	// The customer covers the part of the wire fee the merchant did not
	// agree to absorb, spread over wire_fee_amortization payments.
	wireFeeDelta, err := totalWireFee.SubOrZero(*terms.MaxWireFee)
	if err != nil {
		return feeArithmeticError(err)
	}
	customerWireFee, err := wireFeeDelta.DivideBy(terms.WireFeeAmortization)
	if err != nil {
		return feeArithmeticError(err)
	}
	if !accFee.SameCurrency(customerWireFee) {
		return merr.New(merr.ErrCodeWireFeeCurrencyMismatch, "wire fee currency does not match contract")
	}
	if accFee, err = accFee.Add(customerWireFee); err != nil {
		return feeArithmeticError(err)
	}

	totalNeeded := terms.Amount
	feeExcess, err := accFee.Cmp(terms.MaxFee)
	if err != nil {
		return feeArithmeticError(err)
	}
	if feeExcess > 0 {
		excess, err := accFee.SubOrZero(terms.MaxFee)
		if err != nil {
			return feeArithmeticError(err)
		}
		if totalNeeded, err = totalNeeded.Add(excess); err != nil {
			return feeArithmeticError(err)
		}
	}

	finalAmount, err := accAmount.SubOrZero(totalRefunded)
	if err != nil {
		return feeArithmeticError(err)
	}
	if cmp, err := finalAmount.Cmp(totalNeeded); err != nil {
		return feeArithmeticError(err)
	} else if cmp >= 0 {
		return nil
	}
	if cmp, err := accAmount.Cmp(totalNeeded); err != nil {
		return feeArithmeticError(err)
	} else if cmp >= 0 {
		return merr.New(merr.ErrCodeRefunded, "payment was sufficient before refunds")
	}
	if cmp, err := accAmount.Cmp(terms.Amount); err != nil {
		return feeArithmeticError(err)
	} else if cmp >= 0 {
		return merr.New(merr.ErrCodePaymentInsufficientDueToFees, "payment insufficient after fees")
	}
	return merr.New(merr.ErrCodePaymentInsufficient, "payment does not cover contract amount")
}

func feeArithmeticError(err error) *merr.Error {
	switch {
	case errors.Is(err, amount.ErrCurrencyMismatch):
		return merr.New(merr.ErrCodeCurrencyMismatch, "coin currency does not match contract")
	case errors.Is(err, amount.ErrOverflow):
		return merr.New(merr.ErrCodeAmountOverflow, "amount arithmetic overflow")
	default:
		return merr.New(merr.ErrCodeInternalError, "%s", err)
	}
}
