package httpserver

import (
	"net/http"

	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/refund"
	"github.com/talerforge/merchant/pkg/responders"
)

// handleRefundIncrease raises the refund total of an order. The shop
// frontend calls this; the wallet collects via the returned
// taler_refund_url.
func (s *handlers) handleRefundIncrease(w http.ResponseWriter, r *http.Request) {
	mi, perr := s.resolveInstance(r)
	if perr != nil {
		perr.Write(w)
		return
	}

	var req refund.IncreaseRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		perr.Write(w)
		return
	}

	resp, perr := s.refund.Increase(r.Context(), mi, &req, urlContext(r))
	if perr != nil {
		perr.Write(w)
		return
	}
	responders.JSON(w, http.StatusOK, resp)
}

// handleRefundLookup executes the granted refunds at their exchanges
// and returns the signed confirmations the wallet needs.
func (s *handlers) handleRefundLookup(w http.ResponseWriter, r *http.Request) {
	mi, perr := s.resolveInstance(r)
	if perr != nil {
		perr.Write(w)
		return
	}

	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		merr.New(merr.ErrCodeMissingField, "order_id missing").Write(w)
		return
	}

	resp, perr := s.refund.Lookup(r.Context(), mi, orderID)
	if perr != nil {
		perr.Write(w)
		return
	}
	responders.JSON(w, http.StatusOK, resp)
}
