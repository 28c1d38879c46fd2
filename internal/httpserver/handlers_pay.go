package httpserver

import (
	"net/http"

	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/pay"
	"github.com/talerforge/merchant/pkg/responders"
)

// handlePay processes a wallet's payment for an order. The request
// carries every coin the wallet spends; replays of a completed payment
// succeed idempotently.
func (s *handlers) handlePay(w http.ResponseWriter, r *http.Request) {
	mi, perr := s.resolveInstance(r)
	if perr != nil {
		perr.Write(w)
		return
	}

	var req pay.Request
	if perr := decodeJSON(w, r, &req); perr != nil {
		perr.Write(w)
		return
	}

	switch req.Mode {
	case "", pay.ModePay:
		resp, perr := s.pay.Pay(r.Context(), mi, &req)
		if perr != nil {
			perr.Write(w)
			return
		}
		responders.JSON(w, http.StatusOK, resp)
	case pay.ModeAbortRefund:
		resp, perr := s.pay.Abort(r.Context(), mi, &req)
		if perr != nil {
			perr.Write(w)
			return
		}
		responders.JSON(w, http.StatusOK, resp)
	default:
		merr.New(merr.ErrCodeInvalidField, "unknown mode %q", req.Mode).Write(w)
	}
}
