package storage

import (
	"fmt"

	"github.com/talerforge/merchant/internal/amount"
)

// planRefundIncrease computes the refund rows needed to raise the
// order's refund total to newTotal. The increase is distributed across
// deposited coins in deposit order, each coin refundable up to its
// amount_with_fee. Shared by every Store implementation so the
// monotonicity rules live in one place.
func planRefundIncrease(deposits []DepositRecord, refunds func(cb func(RefundRecord) error) error, newTotal amount.Amount) ([]RefundRecord, QueryStatus, error) {
	currency := newTotal.Currency

	totalPaid := amount.Zero(currency)
	for _, d := range deposits {
		var err error
		totalPaid, err = totalPaid.Add(d.AmountWithFee)
		if err != nil {
			return nil, HardError, fmt.Errorf("refund increase: %w", err)
		}
	}

	refunded := make(map[string]amount.Amount)
	nextRtid := make(map[string]uint64)
	current := amount.Zero(currency)
	err := refunds(func(r RefundRecord) error {
		prior, ok := refunded[r.CoinPub]
		if !ok {
			prior = amount.Zero(currency)
		}
		sum, err := prior.Add(r.RefundAmount)
		if err != nil {
			return err
		}
		refunded[r.CoinPub] = sum
		if r.RTransactionID >= nextRtid[r.CoinPub] {
			nextRtid[r.CoinPub] = r.RTransactionID + 1
		}
		current, err = current.Add(r.RefundAmount)
		return err
	})
	if err != nil {
		return nil, HardError, fmt.Errorf("refund increase: %w", err)
	}

	if cmp, err := newTotal.Cmp(totalPaid); err != nil {
		return nil, HardError, err
	} else if cmp > 0 {
		return nil, NoResults, nil
	}
	if cmp, err := newTotal.Cmp(current); err != nil {
		return nil, HardError, err
	} else if cmp <= 0 {
		// Ceiling already at or above the request; monotonic, so nothing
		// to lower.
		return nil, OneResult, nil
	}

	remaining, err := newTotal.Sub(current)
	if err != nil {
		return nil, HardError, err
	}

	var plan []RefundRecord
	for _, d := range deposits {
		if remaining.IsZero() {
			break
		}
		prior, ok := refunded[d.CoinPub]
		if !ok {
			prior = amount.Zero(currency)
		}
		capacity, err := d.AmountWithFee.Sub(prior)
		if err != nil {
			return nil, HardError, err
		}
		if capacity.IsZero() {
			continue
		}
		alloc := capacity
		if cmp, err := remaining.Cmp(capacity); err != nil {
			return nil, HardError, err
		} else if cmp < 0 {
			alloc = remaining
		}
		plan = append(plan, RefundRecord{
			HContractTerms: d.HContractTerms,
			MerchantPub:    d.MerchantPub,
			CoinPub:        d.CoinPub,
			RTransactionID: nextRtid[d.CoinPub],
			RefundAmount:   alloc,
			RefundFee:      d.RefundFee,
		})
		if remaining, err = remaining.Sub(alloc); err != nil {
			return nil, HardError, err
		}
	}
	return plan, OneResult, nil
}
