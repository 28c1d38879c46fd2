package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/signing"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrRetriesExhausted is returned when a serializable transaction kept
// colliding past the retry budget.
var ErrRetriesExhausted = errors.New("storage: transaction retries exhausted")

// QueryStatus classifies the outcome of a store operation that cares
// about row counts. Multi-row calls report the row count; negative
// values are errors.
type QueryStatus int

const (
	HardError QueryStatus = -2
	SoftError QueryStatus = -1
	NoResults QueryStatus = 0
	OneResult QueryStatus = 1
)

// DepositRecord is one successfully deposited coin for an order.
// Immutable once written; at most one per (h_contract_terms, coin_pub).
type DepositRecord struct {
	HContractTerms signing.Hash
	MerchantPub    string
	CoinPub        string
	ExchangeURL    string
	AmountWithFee  amount.Amount
	DepositFee     amount.Amount
	RefundFee      amount.Amount
	WireFee        amount.Amount
	SigningPub     string
	ExchangeProof  json.RawMessage
}

// RefundRecord is one granted refund on a deposited coin. Refund totals
// are monotonically non-decreasing per (order, coin); the store rejects
// any update that would lower them.
type RefundRecord struct {
	HContractTerms signing.Hash
	MerchantPub    string
	CoinPub        string
	RTransactionID uint64
	Reason         string
	RefundAmount   amount.Amount
	RefundFee      amount.Amount
}

// RefundProof caches the exchange's signed confirmation of a refund.
// At most one per (h, coin_pub, rtransaction_id).
type RefundProof struct {
	HContractTerms signing.Hash
	MerchantPub    string
	CoinPub        string
	RTransactionID uint64
	SigningPub     string
	ExchangeSig    string
}

// ContractRecord binds an order id to its contract-terms document.
type ContractRecord struct {
	MerchantPub    string
	OrderID        string
	Terms          json.RawMessage
	HContractTerms signing.Hash
	Paid           bool
}

// Store is the persistence contract of the payment core.
//
// Calls that take a Tx must be sandwiched by caller-owned
// Begin/Commit/Rollback; calls without one are single statements and
// must never run inside an open transaction. A serialization failure on
// such a call is a contract violation, not a retry signal.
type Store interface {
	// Begin opens a serializable transaction. The label shows up in logs
	// and metrics only.
	Begin(ctx context.Context, label string) (Tx, error)

	// InsertContractTerms stores a new order's contract terms. Performed
	// by the order service; exposed here for tests and tooling.
	InsertContractTerms(ctx context.Context, rec ContractRecord) error

	// FindContractTerms resolves (merchant_pub, order_id) to the stored
	// contract record. Read-only, out of transaction.
	FindContractTerms(ctx context.Context, merchantPub, orderID string) (ContractRecord, error)

	// FindPaidContractTerms returns the contract record for h only if
	// the order has been fully paid. Read-only, out of transaction.
	FindPaidContractTerms(ctx context.Context, merchantPub string, h signing.Hash) (ContractRecord, error)

	// FindPayments enumerates stored deposits for (h, merchant_pub)
	// inside tx, invoking cb per row. Returns the row count.
	FindPayments(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(DepositRecord) error) (int, error)

	// GetRefunds enumerates stored refunds for (merchant_pub, h) inside
	// tx, invoking cb per row. Returns the row count.
	GetRefunds(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, cb func(RefundRecord) error) (int, error)

	// StoreDeposit inserts one deposit record as a transaction by
	// itself. Idempotent on (h, coin_pub): replaying an identical record
	// succeeds without a second row; a conflicting record for the same
	// coin fails with ErrDepositConflict.
	StoreDeposit(ctx context.Context, rec DepositRecord) error

	// MarkProposalPaid flips the order behind h to paid, inside tx.
	MarkProposalPaid(ctx context.Context, tx Tx, merchantPub string, h signing.Hash) error

	// InsertSessionInfo upserts the session binding that lets a
	// returning wallet recover the paid order, inside tx.
	InsertSessionInfo(ctx context.Context, tx Tx, merchantPub, sessionID, fulfillmentURL, orderID string) error

	// FindSessionInfo resolves (session_id, fulfillment_url) to the
	// order id bound on a prior successful payment. Read-only.
	FindSessionInfo(ctx context.Context, merchantPub, sessionID, fulfillmentURL string) (string, error)

	// IncreaseRefund raises the refund ceiling for the order behind h to
	// newTotal, distributing the increase across deposited coins. Runs
	// inside tx; the caller owns commit and rollback. Returns
	// NoResults when newTotal exceeds the amount ever paid, OneResult on
	// update or when the ceiling already was at least newTotal.
	IncreaseRefund(ctx context.Context, tx Tx, merchantPub string, h signing.Hash, newTotal amount.Amount, reason string) (QueryStatus, error)

	// PutRefundProof caches the exchange's refund confirmation.
	PutRefundProof(ctx context.Context, proof RefundProof) error

	// GetRefundProof returns a cached refund confirmation, or ErrNotFound.
	GetRefundProof(ctx context.Context, merchantPub string, h signing.Hash, coinPub string, rtransactionID uint64) (RefundProof, error)

	Close() error
}

// ErrDepositConflict is returned by StoreDeposit when a different
// deposit record already exists for the same (h, coin_pub).
var ErrDepositConflict = errors.New("storage: conflicting deposit for coin")
