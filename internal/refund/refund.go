package refund

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talerforge/merchant/internal/amount"
	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/exchange"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/logger"
	"github.com/talerforge/merchant/internal/longpoll"
	"github.com/talerforge/merchant/internal/metrics"
	"github.com/talerforge/merchant/internal/observability"
	"github.com/talerforge/merchant/internal/signing"
	"github.com/talerforge/merchant/internal/storage"
)

// Service handles refund increases and refund lookups.
type Service struct {
	store   storage.Store
	ex      exchange.Client
	hub     *longpoll.Hub
	metrics *metrics.Metrics
	hooks   *observability.Registry

	now func() time.Time
}

// NewService wires a refund service.
func NewService(store storage.Store, ex exchange.Client, hub *longpoll.Hub, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		ex:      ex,
		hub:     hub,
		metrics: m,
		now:     time.Now,
	}
}

// WithHooks attaches an observability hook registry. Call before
// serving; a nil registry disables event emission.
func (s *Service) WithHooks(reg *observability.Registry) *Service {
	s.hooks = reg
	return s
}

// IncreaseRequest raises the refund ceiling of an order.
type IncreaseRequest struct {
	OrderID string        `json:"order_id"`
	Refund  amount.Amount `json:"refund"`
	Reason  string        `json:"reason"`
}

// URLContext carries what the handler knows about how the client
// reached us, for building the taler_refund_url.
type URLContext struct {
	Host     string
	Prefix   string
	Insecure bool
}

// IncreaseResponse points the wallet at the refund it can now collect.
type IncreaseResponse struct {
	HContractTerms signing.Hash `json:"h_contract_terms"`
	TalerRefundURL string       `json:"taler_refund_url"`
}

// Increase raises the refund total for an order. Purely a database
// operation: the exchange learns about it when the wallet (or a later
// lookup) presents the signed permission. Idempotent: a refund total at
// or below the current ceiling succeeds without a new refund.
func (s *Service) Increase(ctx context.Context, mi *instance.Instance, req *IncreaseRequest, uc URLContext) (*IncreaseResponse, *merr.Error) {
	log := logger.FromContext(ctx)

	fail := func(perr *merr.Error) (*IncreaseResponse, *merr.Error) {
		s.metrics.RefundIncreasesTotal.WithLabelValues(mi.ID, string(perr.Code)).Inc()
		return nil, perr
	}

	if req.OrderID == "" {
		return fail(merr.New(merr.ErrCodeMissingField, "order_id missing"))
	}
	if req.Refund.Currency == "" {
		return fail(merr.New(merr.ErrCodeMissingField, "refund amount missing"))
	}

	merchantPub := mi.PubBase64()
	rec, err := s.store.FindContractTerms(ctx, merchantPub, req.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(merr.New(merr.ErrCodeOrderNotFound, "order %q unknown", req.OrderID))
		}
		return fail(merr.New(merr.ErrCodeDatabaseError, "find contract: %v", err))
	}
	h, err := signing.HashContractTerms(rec.Terms)
	if err != nil {
		return fail(merr.New(merr.ErrCodeInternalError, "hash contract terms: %v", err))
	}
	var terms struct {
		Amount amount.Amount `json:"amount"`
	}
	if err := json.Unmarshal(rec.Terms, &terms); err != nil {
		return fail(merr.New(merr.ErrCodeInternalError, "parse contract terms: %v", err))
	}
	if !req.Refund.SameCurrency(terms.Amount) {
		return fail(merr.New(merr.ErrCodeCurrencyMismatch, "refund in %s, contract in %s",
			req.Refund.Currency, terms.Amount.Currency))
	}

	err = storage.RunSerializable(ctx, s.store, "increase-refund", func(tx storage.Tx) error {
		qs, err := s.store.IncreaseRefund(ctx, tx, merchantPub, h, req.Refund, req.Reason)
		if err != nil {
			return err
		}
		if qs == storage.NoResults {
			return merr.New(merr.ErrCodeRefundInconsistentAmount, "refund exceeds the amount ever paid")
		}
		return nil
	})
	if err != nil {
		var perr *merr.Error
		if errors.As(err, &perr) {
			return fail(perr)
		}
		if errors.Is(err, storage.ErrRetriesExhausted) {
			return fail(merr.New(merr.ErrCodeRetriesExhausted, "transaction retries exhausted"))
		}
		return fail(merr.New(merr.ErrCodeDatabaseError, "increase refund: %v", err))
	}

	// Wake refund watchers whose threshold the new total crosses.
	s.hub.Resume(req.OrderID, merchantPub, &req.Refund)
	s.metrics.ResumesTotal.WithLabelValues("refund").Inc()
	s.metrics.RefundIncreasesTotal.WithLabelValues(mi.ID, "ok").Inc()
	s.hooks.EmitRefundIncreased(ctx, observability.RefundIncreasedEvent{
		Timestamp: s.now(),
		Instance:  mi.ID,
		OrderID:   req.OrderID,
		Refund:    req.Refund.String(),
		Reason:    req.Reason,
	})

	log.Info().
		Str("order_id", req.OrderID).
		Str("merchant_pub", logger.TruncateKey(merchantPub)).
		Str("refund", req.Refund.String()).
		Msg("refund increased")
	return &IncreaseResponse{
		HContractTerms: h,
		TalerRefundURL: RefundURL(uc, mi.ID, req.OrderID),
	}, nil
}

// LookupItem is one per-coin refund with its exchange confirmation, or
// the exchange's error reply when obtaining the confirmation failed.
type LookupItem struct {
	CoinPub        string          `json:"coin_pub"`
	RTransactionID uint64          `json:"rtransaction_id"`
	RefundAmount   amount.Amount   `json:"refund_amount"`
	RefundFee      amount.Amount   `json:"refund_fee"`
	ExchangePub    string          `json:"exchange_pub,omitempty"`
	ExchangeSig    string          `json:"exchange_sig,omitempty"`
	ExchangeStatus int             `json:"exchange_http,omitempty"`
	ExchangeCode   int             `json:"exchange_code,omitempty"`
	ExchangeReply  json.RawMessage `json:"exchange_reply,omitempty"`
}

// LookupResponse lists all refunds granted for an order.
type LookupResponse struct {
	HContractTerms signing.Hash `json:"h_contract_terms"`
	MerchantPub    string       `json:"merchant_pub"`
	Refunds        []LookupItem `json:"refunds"`
}

// Lookup executes the refunds granted for an order at their exchanges
// and returns the signed confirmations. Confirmations are cached; only
// refunds without one cost an exchange round trip.
func (s *Service) Lookup(ctx context.Context, mi *instance.Instance, orderID string) (*LookupResponse, *merr.Error) {
	log := logger.FromContext(ctx)

	fail := func(perr *merr.Error) (*LookupResponse, *merr.Error) {
		s.metrics.RefundLookupsTotal.WithLabelValues(mi.ID, string(perr.Code)).Inc()
		return nil, perr
	}

	merchantPub := mi.PubBase64()
	rec, err := s.store.FindContractTerms(ctx, merchantPub, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(merr.New(merr.ErrCodeOrderNotFound, "order %q unknown", orderID))
		}
		return fail(merr.New(merr.ErrCodeDatabaseError, "find contract: %v", err))
	}
	h, err := signing.HashContractTerms(rec.Terms)
	if err != nil {
		return fail(merr.New(merr.ErrCodeInternalError, "hash contract terms: %v", err))
	}
	var terms struct {
		HWire string `json:"h_wire"`
	}
	if err := json.Unmarshal(rec.Terms, &terms); err != nil {
		return fail(merr.New(merr.ErrCodeInternalError, "parse contract terms: %v", err))
	}

	var (
		refunds    []storage.RefundRecord
		exchangeOf map[string]string
	)
	err = storage.RunSerializable(ctx, s.store, "lookup-refunds", func(tx storage.Tx) error {
		refunds = refunds[:0]
		exchangeOf = make(map[string]string)
		if _, err := s.store.GetRefunds(ctx, tx, merchantPub, h, func(r storage.RefundRecord) error {
			refunds = append(refunds, r)
			return nil
		}); err != nil {
			return err
		}
		_, err := s.store.FindPayments(ctx, tx, merchantPub, h, func(d storage.DepositRecord) error {
			exchangeOf[d.CoinPub] = d.ExchangeURL
			return nil
		})
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrRetriesExhausted) {
			return fail(merr.New(merr.ErrCodeRetriesExhausted, "transaction retries exhausted"))
		}
		return fail(merr.New(merr.ErrCodeDatabaseError, "enumerate refunds: %v", err))
	}
	if len(refunds) == 0 {
		return fail(merr.New(merr.ErrCodeRefundLookupNoRefund, "no refund granted for order %q", orderID))
	}

	wireMethod := refundWireMethod(mi, terms.HWire)
	items := make([]LookupItem, len(refunds))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, r := range refunds {
		i, r := i, r
		items[i] = LookupItem{
			CoinPub:        r.CoinPub,
			RTransactionID: r.RTransactionID,
			RefundAmount:   r.RefundAmount,
			RefundFee:      r.RefundFee,
		}
		g.Go(func() error {
			item := &items[i]
			proof, err := s.store.GetRefundProof(gctx, merchantPub, h, r.CoinPub, r.RTransactionID)
			if err == nil {
				mu.Lock()
				item.ExchangePub = proof.SigningPub
				item.ExchangeSig = proof.ExchangeSig
				mu.Unlock()
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			status, ecode, result, xerr := s.executeRefund(gctx, mi, wireMethod, h, r, exchangeOf[r.CoinPub])
			mu.Lock()
			defer mu.Unlock()
			if xerr != nil {
				item.ExchangeStatus = status
				item.ExchangeCode = ecode
				if json.Valid(xerr.ExchangeBody) {
					item.ExchangeReply = xerr.ExchangeBody
				}
				return nil // partial failure stays per-item
			}
			item.ExchangePub = result.SigningPub
			item.ExchangeSig = result.ExchangeSig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(merr.New(merr.ErrCodeDatabaseError, "refund proofs: %v", err))
	}

	s.metrics.RefundLookupsTotal.WithLabelValues(mi.ID, "ok").Inc()
	log.Info().
		Str("order_id", orderID).
		Int("refunds", len(items)).
		Msg("refund lookup served")
	return &LookupResponse{
		HContractTerms: h,
		MerchantPub:    merchantPub,
		Refunds:        items,
	}, nil
}

// executeRefund signs one refund permission and presents it to the
// coin's exchange, caching the confirmation on success. On failure the
// returned status is always nonzero so the caller's reply item is
// distinguishable from a refund that was never executed; the code is
// the exchange's numeric error code when one was given.
func (s *Service) executeRefund(ctx context.Context, mi *instance.Instance, wireMethod string, h signing.Hash, r storage.RefundRecord, exchangeURL string) (int, int, exchange.RefundResult, *merr.Error) {
	if exchangeURL == "" {
		return http.StatusInternalServerError, 0, exchange.RefundResult{}, merr.New(merr.ErrCodeInternalError, "no deposit recorded for refunded coin %s", r.CoinPub)
	}
	handle, err := s.ex.FindExchange(ctx, exchangeURL, wireMethod)
	if err != nil {
		return http.StatusBadGateway, 0, exchange.RefundResult{}, merr.New(merr.ErrCodeExchangeFailed, "exchange %s unavailable: %v", exchangeURL, err)
	}

	coinKey, err := base64.RawURLEncoding.DecodeString(r.CoinPub)
	if err != nil {
		return http.StatusInternalServerError, 0, exchange.RefundResult{}, merr.New(merr.ErrCodeInternalError, "stored coin_pub is not valid base64")
	}
	payload := signing.RefundRequestPS(h, coinKey, mi.Pub, r.RTransactionID, r.RefundAmount, r.RefundFee)
	sig := signing.Sign(mi.Priv, signing.PurposeMerchantRefund, payload)

	result, err := s.ex.Refund(ctx, handle, exchange.RefundRequest{
		RefundAmount:   r.RefundAmount,
		RefundFee:      r.RefundFee,
		HContractTerms: h,
		CoinPub:        r.CoinPub,
		RTransactionID: r.RTransactionID,
		MerchantSig:    base64.RawURLEncoding.EncodeToString(sig),
		MerchantPub:    mi.PubBase64(),
	})
	if err != nil {
		var rpc *exchange.RPCError
		if errors.As(err, &rpc) {
			return rpc.HTTPStatus, rpc.Code, exchange.RefundResult{},
				merr.New(merr.ErrCodeExchangeRejected, "refund rejected").WithExchangeReply(rpc.HTTPStatus, rpc.Body)
		}
		return http.StatusBadGateway, 0, exchange.RefundResult{}, merr.New(merr.ErrCodeExchangeFailed, "refund at %s: %v", exchangeURL, err)
	}

	if err := s.store.PutRefundProof(ctx, storage.RefundProof{
		HContractTerms: h,
		MerchantPub:    mi.PubBase64(),
		CoinPub:        r.CoinPub,
		RTransactionID: r.RTransactionID,
		SigningPub:     result.SigningPub,
		ExchangeSig:    result.ExchangeSig,
	}); err != nil {
		// The wallet still gets its proof; only the cache write failed.
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("caching refund proof failed")
	}
	return http.StatusOK, 0, result, nil
}

// refundWireMethod picks the wire method to resolve exchanges under.
// Refunds do not depend on wire fees, so any method the instance offers
// works; prefer the one the contract committed to.
func refundWireMethod(mi *instance.Instance, hWire string) string {
	if h, err := signing.ParseHash(hWire); err == nil {
		if wm, ok := mi.WireMethodByHash(h); ok {
			return wm.Method
		}
	}
	for i := range mi.WireMethods {
		if mi.WireMethods[i].Active {
			return mi.WireMethods[i].Method
		}
	}
	return ""
}
