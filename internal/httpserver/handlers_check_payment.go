package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/talerforge/merchant/internal/amount"
	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/longpoll"
	"github.com/talerforge/merchant/internal/signing"
	"github.com/talerforge/merchant/internal/storage"
	"github.com/talerforge/merchant/pkg/responders"
)

// defaultMaxLongPoll caps client-supplied long-poll timeouts when the
// config does not.
const defaultMaxLongPoll = 10 * time.Minute

// checkPaymentResponse reports the payment state of an order.
type checkPaymentResponse struct {
	Paid         bool           `json:"paid"`
	Refunded     bool           `json:"refunded"`
	RefundAmount *amount.Amount `json:"refund_amount,omitempty"`
	// ContractTerms lets the wallet render the offer it is asked to pay.
	ContractTerms json.RawMessage `json:"contract_terms,omitempty"`
	// AlreadyPaidOrderID points at the order this session already paid
	// for the same fulfillment URL, if any.
	AlreadyPaidOrderID string `json:"already_paid_order_id,omitempty"`
}

// handleCheckPayment reports whether an order is paid, optionally
// suspending the request until payment happens, a refund crosses
// min_refund, or timeout_ms elapses.
func (s *handlers) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	mi, perr := s.resolveInstance(r)
	if perr != nil {
		perr.Write(w)
		return
	}

	q := r.URL.Query()
	orderID := q.Get("order_id")
	if orderID == "" {
		merr.New(merr.ErrCodeMissingField, "order_id missing").Write(w)
		return
	}

	var minRefund *amount.Amount
	if raw := q.Get("min_refund"); raw != "" {
		a, err := amount.Parse(raw)
		if err != nil {
			merr.New(merr.ErrCodeInvalidField, "min_refund: %v", err).Write(w)
			return
		}
		minRefund = &a
	}

	var timeout time.Duration
	if raw := q.Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			merr.New(merr.ErrCodeInvalidField, "timeout_ms must be a non-negative integer").Write(w)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	maxTimeout := s.cfg.Pay.MaxLongPollTimeout.Duration
	if maxTimeout <= 0 {
		maxTimeout = defaultMaxLongPoll
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	state, perr := s.paymentState(r.Context(), mi, orderID, q.Get("session_id"), q.Get("fulfillment_url"))
	if perr != nil {
		perr.Write(w)
		return
	}
	if timeout <= 0 || satisfied(state, minRefund) {
		responders.JSON(w, http.StatusOK, state)
		return
	}

	// Suspend until the hub wakes us or the client goes away.
	waiter := s.hub.Suspend(orderID, mi.PubBase64(), minRefund, time.Now().Add(timeout))

	// A payment or refund can commit between the state read above and
	// the registration; its Resume then hits an empty bucket. Re-check
	// now that the waiter is registered so that commit cannot strand us
	// until the timeout.
	state, perr = s.paymentState(r.Context(), mi, orderID, q.Get("session_id"), q.Get("fulfillment_url"))
	if perr != nil {
		s.hub.Cancel(waiter)
		perr.Write(w)
		return
	}
	if satisfied(state, minRefund) {
		s.hub.Cancel(waiter)
		responders.JSON(w, http.StatusOK, state)
		return
	}

	select {
	case <-r.Context().Done():
		s.hub.Cancel(waiter)
		return
	case ev := <-waiter.C:
		if ev.Kind == longpoll.EventShutdown {
			merr.New(merr.ErrCodeShutdown, "backend shutting down").Write(w)
			return
		}
		if ev.Kind == longpoll.EventTimeout {
			s.metrics.ResumesTotal.WithLabelValues("timeout").Inc()
		}
	}

	state, perr = s.paymentState(r.Context(), mi, orderID, q.Get("session_id"), q.Get("fulfillment_url"))
	if perr != nil {
		perr.Write(w)
		return
	}
	responders.JSON(w, http.StatusOK, state)
}

// paymentState assembles the current paid/refunded view of an order.
func (s *handlers) paymentState(ctx context.Context, mi *instance.Instance, orderID, sessionID, fulfillmentURL string) (*checkPaymentResponse, *merr.Error) {
	merchantPub := mi.PubBase64()
	rec, err := s.store.FindContractTerms(ctx, merchantPub, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, merr.New(merr.ErrCodeOrderNotFound, "order %q unknown", orderID)
		}
		return nil, merr.New(merr.ErrCodeDatabaseError, "find contract: %v", err)
	}
	h, err := signing.HashContractTerms(rec.Terms)
	if err != nil {
		return nil, merr.New(merr.ErrCodeInternalError, "hash contract terms: %v", err)
	}

	var total *amount.Amount
	err = storage.RunSerializable(ctx, s.store, "check-payment", func(tx storage.Tx) error {
		total = nil
		_, err := s.store.GetRefunds(ctx, tx, merchantPub, h, func(r storage.RefundRecord) error {
			if total == nil {
				zero := amount.Amount{Currency: r.RefundAmount.Currency}
				total = &zero
			}
			sum, aerr := total.Add(r.RefundAmount)
			if aerr != nil {
				return aerr
			}
			*total = sum
			return nil
		})
		return err
	})
	if err != nil {
		return nil, merr.New(merr.ErrCodeDatabaseError, "refund total: %v", err)
	}

	state := &checkPaymentResponse{
		Paid:          rec.Paid,
		Refunded:      total != nil && !total.IsZero(),
		RefundAmount:  total,
		ContractTerms: rec.Terms,
	}

	if sessionID != "" && fulfillmentURL != "" {
		paidOrder, err := s.store.FindSessionInfo(ctx, merchantPub, sessionID, fulfillmentURL)
		switch {
		case err == nil:
			state.AlreadyPaidOrderID = paidOrder
		case !errors.Is(err, storage.ErrNotFound):
			return nil, merr.New(merr.ErrCodeDatabaseError, "session info: %v", err)
		}
	}
	return state, nil
}

// satisfied reports whether the state already answers the request and
// long polling is pointless.
func satisfied(state *checkPaymentResponse, minRefund *amount.Amount) bool {
	if minRefund != nil {
		if state.RefundAmount == nil || !state.RefundAmount.SameCurrency(*minRefund) {
			return false
		}
		cmp, err := state.RefundAmount.Cmp(*minRefund)
		return err == nil && cmp >= 0
	}
	return state.Paid
}
