package observability

import (
	"context"
	"time"
)

// Hook is the base interface for all observability hooks.
// Implementations can emit events to log aggregators, tracing systems,
// or accounting pipelines.
type Hook interface {
	// Name returns the hook's identifier for logging/debugging
	Name() string
}

// PaymentHook receives events during the payment lifecycle.
type PaymentHook interface {
	Hook

	// OnPaymentStarted is called when a /pay request enters processing.
	OnPaymentStarted(ctx context.Context, event PaymentStartedEvent)

	// OnPaymentCompleted is called when a payment succeeds or fails.
	OnPaymentCompleted(ctx context.Context, event PaymentCompletedEvent)
}

// RefundHook receives events during the refund lifecycle.
type RefundHook interface {
	Hook

	// OnRefundIncreased is called when an order's refund total is raised.
	OnRefundIncreased(ctx context.Context, event RefundIncreasedEvent)
}

// PaymentStartedEvent is emitted when a payment request is received.
type PaymentStartedEvent struct {
	Timestamp time.Time
	Instance  string
	OrderID   string
	// Mode is "pay" or "abort-refund".
	Mode  string
	Coins int
}

// PaymentCompletedEvent is emitted when a payment attempt completes.
type PaymentCompletedEvent struct {
	Timestamp time.Time
	Instance  string
	OrderID   string
	Mode      string
	Success   bool
	// ErrorCode is set if Success=false.
	ErrorCode string
	Duration  time.Duration
}

// RefundIncreasedEvent is emitted when a refund ceiling is raised.
type RefundIncreasedEvent struct {
	Timestamp time.Time
	Instance  string
	OrderID   string
	// Refund is the new total in "CUR:X.Y" form.
	Refund string
	Reason string
}
