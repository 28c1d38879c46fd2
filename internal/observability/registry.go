package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry manages a collection of observability hooks.
// It safely dispatches events to all registered hooks with error handling.
type Registry struct {
	paymentHooks []PaymentHook
	refundHooks  []RefundHook
	logger       zerolog.Logger
	mu           sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterPaymentHook adds a payment hook to the registry.
func (r *Registry) RegisterPaymentHook(hook PaymentHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paymentHooks = append(r.paymentHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered payment hook")
}

// RegisterRefundHook adds a refund hook to the registry.
func (r *Registry) RegisterRefundHook(hook RefundHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refundHooks = append(r.refundHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered refund hook")
}

// EmitPaymentStarted dispatches a payment-started event to all hooks.
// A nil registry is a valid no-op receiver.
func (r *Registry) EmitPaymentStarted(ctx context.Context, event PaymentStartedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.paymentHooks
	r.mu.RUnlock()
	for _, h := range hooks {
		r.dispatch(h.Name(), func() { h.OnPaymentStarted(ctx, event) })
	}
}

// EmitPaymentCompleted dispatches a payment-completed event to all hooks.
func (r *Registry) EmitPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.paymentHooks
	r.mu.RUnlock()
	for _, h := range hooks {
		r.dispatch(h.Name(), func() { h.OnPaymentCompleted(ctx, event) })
	}
}

// EmitRefundIncreased dispatches a refund-increased event to all hooks.
func (r *Registry) EmitRefundIncreased(ctx context.Context, event RefundIncreasedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := r.refundHooks
	r.mu.RUnlock()
	for _, h := range hooks {
		r.dispatch(h.Name(), func() { h.OnRefundIncreased(ctx, event) })
	}
}

// dispatch runs one hook invocation, isolating panics so a broken hook
// cannot take down request processing.
func (r *Registry) dispatch(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("hook", name).
				Interface("panic", rec).
				Msg("observability hook panicked")
		}
	}()
	fn()
}
