package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggingHook emits every event as a structured log line. It is the
// default hook registered at startup; external integrations register
// additional hooks next to it.
type LoggingHook struct {
	logger zerolog.Logger
}

// NewLoggingHook creates a logging hook.
func NewLoggingHook(logger zerolog.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

// Name identifies this hook.
func (h *LoggingHook) Name() string { return "logging" }

// OnPaymentStarted logs the start of payment processing.
func (h *LoggingHook) OnPaymentStarted(_ context.Context, event PaymentStartedEvent) {
	h.logger.Debug().
		Str("instance", event.Instance).
		Str("order_id", event.OrderID).
		Str("mode", event.Mode).
		Int("coins", event.Coins).
		Msg("payment.started")
}

// OnPaymentCompleted logs the outcome of payment processing.
func (h *LoggingHook) OnPaymentCompleted(_ context.Context, event PaymentCompletedEvent) {
	ev := h.logger.Info()
	if !event.Success {
		ev = h.logger.Warn().Str("error_code", event.ErrorCode)
	}
	ev.
		Str("instance", event.Instance).
		Str("order_id", event.OrderID).
		Str("mode", event.Mode).
		Bool("success", event.Success).
		Dur("duration", event.Duration).
		Msg("payment.completed")
}

// OnRefundIncreased logs a raised refund ceiling.
func (h *LoggingHook) OnRefundIncreased(_ context.Context, event RefundIncreasedEvent) {
	h.logger.Info().
		Str("instance", event.Instance).
		Str("order_id", event.OrderID).
		Str("refund", event.Refund).
		Str("reason", event.Reason).
		Msg("refund.increased")
}
