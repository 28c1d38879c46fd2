package errors

// ErrorCode represents a machine-readable error identifier for wallet and
// frontend error handling. Each code also maps to a stable numeric code
// carried on the wire next to the HTTP status.
type ErrorCode string

// Client input errors
const (
	ErrCodeInvalidJSON     ErrorCode = "invalid_json"
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeWrongInstance   ErrorCode = "wrong_instance"
	ErrCodeInstanceUnknown ErrorCode = "instance_unknown"
	ErrCodeOrderNotFound   ErrorCode = "order_not_found"
	ErrCodeOfferExpired    ErrorCode = "offer_expired"
	ErrCodeRateLimited     ErrorCode = "rate_limited"
)

// Payment semantics errors
const (
	ErrCodeFeesExceedPayment            ErrorCode = "fees_exceed_payment"
	ErrCodePaymentInsufficient          ErrorCode = "payment_insufficient"
	ErrCodePaymentInsufficientDueToFees ErrorCode = "payment_insufficient_due_to_fees"
	ErrCodeRefunded                     ErrorCode = "payment_refunded"
	ErrCodeAbortRefundRefused           ErrorCode = "abort_refund_refused_payment_complete"
	ErrCodeCoinConflict                 ErrorCode = "coin_conflict"
	ErrCodeCurrencyMismatch             ErrorCode = "currency_mismatch"
	ErrCodeWireFeeCurrencyMismatch      ErrorCode = "wire_fee_currency_mismatch"
)

// Refund errors
const (
	ErrCodeRefundInconsistentAmount ErrorCode = "refund_inconsistent_amount"
	ErrCodeRefundLookupNoRefund     ErrorCode = "refund_lookup_no_refund"
)

// Exchange upstream errors
const (
	ErrCodeExchangeFailed            ErrorCode = "exchange_failed"
	ErrCodeExchangeRejected          ErrorCode = "exchange_rejected"
	ErrCodeExchangeReplyBogus        ErrorCode = "exchange_reply_bogus"
	ErrCodeExchangeTimeout           ErrorCode = "exchange_timeout"
	ErrCodeExchangeKeysFailed        ErrorCode = "exchange_keys_failed"
	ErrCodeExchangeWireMethodMissing ErrorCode = "exchange_wire_method_missing"
	ErrCodeDenominationUnknown       ErrorCode = "denomination_unknown"
	ErrCodeDenominationRejected      ErrorCode = "denomination_rejected"
	ErrCodeInsufficientFunds         ErrorCode = "deposit_insufficient_funds"
)

// Internal/system errors
const (
	ErrCodeInternalError    ErrorCode = "internal_error"
	ErrCodeDatabaseError    ErrorCode = "database_error"
	ErrCodeRetriesExhausted ErrorCode = "database_retries_exhausted"
	ErrCodeAmountOverflow   ErrorCode = "amount_overflow"
	ErrCodeWireHashUnknown  ErrorCode = "wire_hash_unknown"
	ErrCodeShutdown         ErrorCode = "service_shutting_down"
)

// Numeric returns the stable numeric error code transmitted alongside
// the HTTP status.
func (e ErrorCode) Numeric() int {
	if n, ok := numericCodes[e]; ok {
		return n
	}
	return 2000 // generic internal error
}

var numericCodes = map[ErrorCode]int{
	ErrCodeInvalidJSON:                  2100,
	ErrCodeMissingField:                 2101,
	ErrCodeInvalidField:                 2102,
	ErrCodeWrongInstance:                2103,
	ErrCodeInstanceUnknown:              2104,
	ErrCodeOrderNotFound:                2105,
	ErrCodeOfferExpired:                 2106,
	ErrCodeRateLimited:                  2107,
	ErrCodeFeesExceedPayment:            2200,
	ErrCodePaymentInsufficient:          2201,
	ErrCodePaymentInsufficientDueToFees: 2202,
	ErrCodeRefunded:                     2203,
	ErrCodeAbortRefundRefused:           2204,
	ErrCodeCoinConflict:                 2205,
	ErrCodeCurrencyMismatch:             2206,
	ErrCodeWireFeeCurrencyMismatch:      2207,
	ErrCodeRefundInconsistentAmount:     2300,
	ErrCodeRefundLookupNoRefund:         2301,
	ErrCodeExchangeFailed:               2400,
	ErrCodeExchangeRejected:             2401,
	ErrCodeExchangeReplyBogus:           2402,
	ErrCodeExchangeTimeout:              2403,
	ErrCodeExchangeKeysFailed:           2404,
	ErrCodeExchangeWireMethodMissing:    2405,
	ErrCodeDenominationUnknown:          2406,
	ErrCodeDenominationRejected:         2407,
	ErrCodeInsufficientFunds:            2408,
	ErrCodeInternalError:                2000,
	ErrCodeDatabaseError:                2001,
	ErrCodeRetriesExhausted:             2002,
	ErrCodeAmountOverflow:               2003,
	ErrCodeWireHashUnknown:              2004,
	ErrCodeShutdown:                     2005,
}

// IsRetryable returns whether the client may retry the identical request.
// Transient upstream and shutdown conditions are retryable; validation and
// payment-semantics failures are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeExchangeFailed,
		ErrCodeExchangeTimeout,
		ErrCodeExchangeKeysFailed,
		ErrCodeRetriesExhausted,
		ErrCodeShutdown:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation and payment-amount errors
	case ErrCodeInvalidJSON,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeWrongInstance,
		ErrCodeFeesExceedPayment,
		ErrCodePaymentInsufficient,
		ErrCodePaymentInsufficientDueToFees,
		ErrCodeDenominationUnknown,
		ErrCodeDenominationRejected:
		return 400

	// 402 Payment Required - refunds ate into an otherwise sufficient payment
	case ErrCodeRefunded:
		return 402

	// 403 Forbidden
	case ErrCodeAbortRefundRefused:
		return 403

	// 404 Not Found
	case ErrCodeOrderNotFound,
		ErrCodeInstanceUnknown,
		ErrCodeRefundLookupNoRefund:
		return 404

	// 408 Request Timeout - exchange interaction exceeded the pay deadline
	case ErrCodeExchangeTimeout:
		return 408

	// 409 Conflict
	case ErrCodeRefundInconsistentAmount,
		ErrCodeCoinConflict,
		ErrCodeInsufficientFunds:
		return 409

	// 410 Gone
	case ErrCodeOfferExpired:
		return 410

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 412 Precondition Failed - currency mismatches
	case ErrCodeCurrencyMismatch,
		ErrCodeWireFeeCurrencyMismatch:
		return 412

	// 424 Failed Dependency - exchange rejected or replied garbage
	case ErrCodeExchangeRejected,
		ErrCodeExchangeReplyBogus,
		ErrCodeExchangeWireMethodMissing,
		ErrCodeExchangeKeysFailed:
		return 424

	// 503 Service Unavailable - exchange down or backend shutting down
	case ErrCodeExchangeFailed,
		ErrCodeShutdown:
		return 503

	// 500 Internal Server Error
	default:
		return 500
	}
}
