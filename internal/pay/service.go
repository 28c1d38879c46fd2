package pay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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

// DefaultTimeout bounds one /pay request end to end, exchange
// interactions included.
const DefaultTimeout = 30 * time.Second

// Service processes payments. One instance serves all merchants; the
// per-merchant keys travel with the instance handle.
type Service struct {
	store   storage.Store
	ex      exchange.Client
	auditor *exchange.Auditor
	hub     *longpoll.Hub
	metrics *metrics.Metrics
	hooks   *observability.Registry
	timeout time.Duration

	now func() time.Time
}

// NewService wires a payment service. timeout <= 0 selects DefaultTimeout.
func NewService(store storage.Store, ex exchange.Client, auditor *exchange.Auditor, hub *longpoll.Hub, m *metrics.Metrics, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		store:   store,
		ex:      ex,
		auditor: auditor,
		hub:     hub,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithHooks attaches an observability hook registry. Call before
// serving; a nil registry disables event emission.
func (s *Service) WithHooks(reg *observability.Registry) *Service {
	s.hooks = reg
	return s
}

// Pay drives one payment attempt to completion: reconcile what the
// database already knows, deposit the missing coins exchange by
// exchange, and commit once the coins cover the contract. Replaying an
// identical request against a paid order succeeds without new deposits.
func (s *Service) Pay(ctx context.Context, mi *instance.Instance, req *Request) (*Response, *merr.Error) {
	log := logger.FromContext(ctx)
	start := s.now()
	s.metrics.PaysTotal.WithLabelValues(mi.ID, ModePay).Inc()

	s.hooks.EmitPaymentStarted(ctx, observability.PaymentStartedEvent{
		Timestamp: start,
		Instance:  mi.ID,
		OrderID:   req.OrderID,
		Mode:      ModePay,
		Coins:     len(req.Coins),
	})
	completed := func(perr *merr.Error) {
		ev := observability.PaymentCompletedEvent{
			Timestamp: s.now(),
			Instance:  mi.ID,
			OrderID:   req.OrderID,
			Mode:      ModePay,
			Success:   perr == nil,
			Duration:  s.now().Sub(start),
		}
		if perr != nil {
			ev.ErrorCode = string(perr.Code)
		}
		s.hooks.EmitPaymentCompleted(ctx, ev)
	}

	rec, terms, h, states, perr := s.prepare(ctx, mi, req)
	if perr != nil {
		s.metrics.PaysFailedTotal.WithLabelValues(mi.ID, ModePay, string(perr.Code)).Inc()
		completed(perr)
		return nil, perr
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, perr := s.payLoop(ctx, mi, req, rec, terms, h, states)
	s.metrics.PayDuration.WithLabelValues(mi.ID).Observe(s.now().Sub(start).Seconds())
	completed(perr)
	if perr != nil {
		s.metrics.PaysFailedTotal.WithLabelValues(mi.ID, ModePay, string(perr.Code)).Inc()
		log.Info().
			Str("order_id", req.OrderID).
			Str("merchant_pub", logger.TruncateKey(mi.PubBase64())).
			Str("code", string(perr.Code)).
			Msg("payment failed")
		return nil, perr
	}
	s.metrics.PaysSuccessTotal.WithLabelValues(mi.ID, ModePay).Inc()
	log.Info().
		Str("order_id", req.OrderID).
		Str("merchant_pub", logger.TruncateKey(mi.PubBase64())).
		Int("coins", len(states)).
		Msg("payment completed")
	return resp, nil
}

func (s *Service) payLoop(ctx context.Context, mi *instance.Instance, req *Request, rec storage.ContractRecord, terms *ContractTerms, h signing.Hash, states []*coinState) (*Response, *merr.Error) {
	merchantPub := mi.PubBase64()
	softRetries := 0
	softRetry := func() *merr.Error {
		softRetries++
		s.metrics.PayTxRetries.Inc()
		if softRetries > storage.MaxRetries {
			return merr.New(merr.ErrCodeRetriesExhausted, "transaction retries exhausted")
		}
		return nil
	}

	// A contract whose h_wire matches none of the instance's accounts
	// can never be deposited; reject before any exchange traffic.
	wireHash, err := signing.ParseHash(terms.HWire)
	if err != nil {
		return nil, merr.New(merr.ErrCodeWireHashUnknown, "h_wire is not a valid hash")
	}
	wm, ok := mi.WireMethodByHash(wireHash)
	if !ok {
		return nil, merr.New(merr.ErrCodeWireHashUnknown, "contract h_wire matches no active wire method")
	}

	for {
		if perr := s.checkContext(ctx); perr != nil {
			return nil, perr
		}

		tx, err := s.store.Begin(ctx, "pay")
		if err != nil {
			return nil, merr.New(merr.ErrCodeDatabaseError, "begin: %v", err)
		}
		totalRefunded, pending, err := s.reconcile(ctx, tx, merchantPub, h, states, terms)
		if err != nil {
			_ = tx.Rollback()
			if storage.IsSoftError(err) {
				if perr := softRetry(); perr != nil {
					return nil, perr
				}
				continue
			}
			var perr *merr.Error
			if errors.As(err, &perr) {
				return nil, perr
			}
			return nil, merr.New(merr.ErrCodeDatabaseError, "reconcile: %v", err)
		}

		if pending > 0 {
			// More deposits needed; the read transaction carries no
			// writes, so drop it before talking to the network.
			_ = tx.Rollback()
			retry, perr := s.depositRound(ctx, mi, terms, wm, h, states)
			if perr != nil {
				return nil, perr
			}
			if retry {
				if perr := softRetry(); perr != nil {
					return nil, perr
				}
			}
			continue
		}

		if perr := checkPaymentSufficient(terms, states, totalRefunded); perr != nil {
			_ = tx.Rollback()
			return nil, perr
		}

		if err := s.store.MarkProposalPaid(ctx, tx, merchantPub, h); err != nil {
			_ = tx.Rollback()
			if storage.IsSoftError(err) {
				if perr := softRetry(); perr != nil {
					return nil, perr
				}
				continue
			}
			return nil, merr.New(merr.ErrCodeDatabaseError, "mark paid: %v", err)
		}
		if req.SessionID != "" && terms.FulfillmentURL != "" {
			if err := s.store.InsertSessionInfo(ctx, tx, merchantPub, req.SessionID, terms.FulfillmentURL, req.OrderID); err != nil {
				_ = tx.Rollback()
				if storage.IsSoftError(err) {
					if perr := softRetry(); perr != nil {
						return nil, perr
					}
					continue
				}
				return nil, merr.New(merr.ErrCodeDatabaseError, "session info: %v", err)
			}
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			if storage.IsSoftError(err) {
				if perr := softRetry(); perr != nil {
					return nil, perr
				}
				continue
			}
			return nil, merr.New(merr.ErrCodeDatabaseError, "commit: %v", err)
		}

		// Wake /check-payment pollers only after the commit is durable.
		s.hub.Resume(req.OrderID, merchantPub, nil)
		s.metrics.ResumesTotal.WithLabelValues("paid").Inc()

		return s.buildResponse(ctx, mi, rec, h)
	}
}

// Abort refunds an incomplete payment in full: every coin already
// deposited for the order gets a refund permission over its entire
// contribution. Refused once the order is fully paid.
func (s *Service) Abort(ctx context.Context, mi *instance.Instance, req *Request) (*AbortResponse, *merr.Error) {
	log := logger.FromContext(ctx)
	start := s.now()
	s.metrics.PaysTotal.WithLabelValues(mi.ID, ModeAbortRefund).Inc()
	s.hooks.EmitPaymentStarted(ctx, observability.PaymentStartedEvent{
		Timestamp: start,
		Instance:  mi.ID,
		OrderID:   req.OrderID,
		Mode:      ModeAbortRefund,
		Coins:     len(req.Coins),
	})

	fail := func(perr *merr.Error) (*AbortResponse, *merr.Error) {
		s.metrics.PaysFailedTotal.WithLabelValues(mi.ID, ModeAbortRefund, string(perr.Code)).Inc()
		s.hooks.EmitPaymentCompleted(ctx, observability.PaymentCompletedEvent{
			Timestamp: s.now(),
			Instance:  mi.ID,
			OrderID:   req.OrderID,
			Mode:      ModeAbortRefund,
			Success:   false,
			ErrorCode: string(perr.Code),
			Duration:  s.now().Sub(start),
		})
		return nil, perr
	}

	_, terms, h, states, perr := s.prepare(ctx, mi, req)
	if perr != nil {
		return fail(perr)
	}
	merchantPub := mi.PubBase64()

	// A completed payment can only be undone through /refund.
	_, err := s.store.FindPaidContractTerms(ctx, merchantPub, h)
	switch {
	case err == nil:
		return fail(merr.New(merr.ErrCodeAbortRefundRefused, "payment already complete"))
	case !errors.Is(err, storage.ErrNotFound):
		return fail(merr.New(merr.ErrCodeDatabaseError, "paid lookup: %v", err))
	}

	err = storage.RunSerializable(ctx, s.store, "abort-refund", func(tx storage.Tx) error {
		_, _, perr := s.reconcile(ctx, tx, merchantPub, h, states, terms)
		if perr != nil {
			return perr
		}
		totalPaid := amount.Amount{Currency: terms.Amount.Currency}
		for _, cs := range states {
			if !cs.foundInDB {
				continue
			}
			var aerr error
			if totalPaid, aerr = totalPaid.Add(cs.coin.Contribution); aerr != nil {
				return feeArithmeticError(aerr)
			}
		}
		if totalPaid.IsZero() {
			return nil
		}
		qs, err := s.store.IncreaseRefund(ctx, tx, merchantPub, h, totalPaid, "incomplete payment aborted")
		if err != nil {
			return err
		}
		if qs == storage.NoResults {
			return merr.New(merr.ErrCodeInternalError, "refund exceeds deposits reconciled in this transaction")
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
		return fail(merr.New(merr.ErrCodeDatabaseError, "abort-refund: %v", err))
	}

	perms := make([]RefundPermission, 0, len(states))
	for _, cs := range states {
		if !cs.foundInDB {
			continue
		}
		p, perr := signRefundPermission(mi, h, cs.coin.CoinPub, 0, cs.coin.Contribution, cs.refundFee)
		if perr != nil {
			return fail(perr)
		}
		perms = append(perms, p)
	}

	s.metrics.PaysSuccessTotal.WithLabelValues(mi.ID, ModeAbortRefund).Inc()
	s.hooks.EmitPaymentCompleted(ctx, observability.PaymentCompletedEvent{
		Timestamp: s.now(),
		Instance:  mi.ID,
		OrderID:   req.OrderID,
		Mode:      ModeAbortRefund,
		Success:   true,
		Duration:  s.now().Sub(start),
	})
	log.Info().
		Str("order_id", req.OrderID).
		Int("coins_refunded", len(perms)).
		Msg("incomplete payment aborted")
	return &AbortResponse{
		RefundPermissions: perms,
		MerchantPub:       merchantPub,
		HContractTerms:    h,
	}, nil
}

// prepare resolves the order, re-hashes and parses its contract terms,
// and validates the request against them.
func (s *Service) prepare(ctx context.Context, mi *instance.Instance, req *Request) (storage.ContractRecord, *ContractTerms, signing.Hash, []*coinState, *merr.Error) {
	var none signing.Hash
	if req.OrderID == "" {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeMissingField, "order_id missing")
	}
	if req.MerchantPub != mi.PubBase64() {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeWrongInstance, "merchant_pub does not match instance %q", mi.ID)
	}

	rec, err := s.store.FindContractTerms(ctx, mi.PubBase64(), req.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeOrderNotFound, "order %q unknown", req.OrderID)
		}
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeDatabaseError, "find contract: %v", err)
	}

	// The hash over the stored document is authoritative; the stored
	// column is only a cache.
	h, err := signing.HashContractTerms(rec.Terms)
	if err != nil {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeInternalError, "hash contract terms: %v", err)
	}
	terms, err := parseContractTerms(rec.Terms)
	if err != nil {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeInternalError, "parse contract terms: %v", err)
	}

	now := s.now()
	if now.After(terms.PayDeadline.Time) {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeOfferExpired, "pay deadline passed")
	}
	if terms.RefundDeadline.After(terms.WireTransferDeadline.Time) {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeInternalError, "refund deadline past wire transfer deadline")
	}

	states := make([]*coinState, 0, len(req.Coins))
	for i := range req.Coins {
		c := &req.Coins[i]
		switch {
		case c.CoinPub == "":
			return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeMissingField, "coin_pub missing")
		case c.ExchangeURL == "":
			return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeMissingField, "exchange_url missing")
		case c.DenomPub == "":
			return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeMissingField, "denom_pub missing")
		}
		if !c.Contribution.SameCurrency(terms.Amount) {
			return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodeCurrencyMismatch, "coin %s: contribution in %s, contract in %s",
				c.CoinPub, c.Contribution.Currency, terms.Amount.Currency)
		}
		states = append(states, &coinState{coin: *c})
	}
	if len(states) == 0 {
		return storage.ContractRecord{}, nil, none, nil, merr.New(merr.ErrCodePaymentInsufficient, "no coins given")
	}
	return rec, terms, h, states, nil
}

// reconcile rebuilds the per-coin state from the database inside tx.
// Returns the refund total and the number of request coins not yet
// deposited. Accumulators and flags are reset on entry: the enclosing
// transaction can restart. Soft errors pass through unwrapped so the
// caller can restart the transaction.
func (s *Service) reconcile(ctx context.Context, tx storage.Tx, merchantPub string, h signing.Hash, states []*coinState, terms *ContractTerms) (amount.Amount, int, error) {
	byPub := make(map[string]*coinState, len(states))
	for _, cs := range states {
		cs.foundInDB = false
		cs.refunded = false
		byPub[cs.coin.CoinPub] = cs
	}

	_, err := s.store.FindPayments(ctx, tx, merchantPub, h, func(d storage.DepositRecord) error {
		cs, ok := byPub[d.CoinPub]
		if !ok {
			// A coin deposited by an earlier wallet run that this
			// request no longer repeats. It keeps its value in the
			// database but plays no role in this attempt.
			return nil
		}
		if !d.AmountWithFee.SameCurrency(cs.coin.Contribution) {
			return merr.New(merr.ErrCodeCoinConflict, "coin %s already deposited in currency %s", d.CoinPub, d.AmountWithFee.Currency)
		}
		if cmp, cerr := d.AmountWithFee.Cmp(cs.coin.Contribution); cerr != nil || cmp != 0 {
			return merr.New(merr.ErrCodeCoinConflict, "coin %s already deposited with amount %s", d.CoinPub, d.AmountWithFee.String())
		}
		cs.foundInDB = true
		cs.depositFee = d.DepositFee
		cs.refundFee = d.RefundFee
		cs.wireFee = d.WireFee
		return nil
	})
	if err != nil {
		return amount.Amount{}, 0, err
	}

	totalRefunded := amount.Amount{Currency: terms.Amount.Currency}
	_, err = s.store.GetRefunds(ctx, tx, merchantPub, h, func(r storage.RefundRecord) error {
		var aerr error
		if totalRefunded, aerr = totalRefunded.Add(r.RefundAmount); aerr != nil {
			return feeArithmeticError(aerr)
		}
		if cs, ok := byPub[r.CoinPub]; ok && !r.RefundAmount.IsZero() {
			cs.refunded = true
		}
		return nil
	})
	if err != nil {
		return amount.Amount{}, 0, err
	}

	pending := 0
	for _, cs := range states {
		if !cs.foundInDB {
			pending++
		}
	}
	return totalRefunded, pending, nil
}

// depositRound deposits every pending coin of the next exchange in
// input order. Runs outside any transaction. Returns retry=true when a
// deposit landed at the exchange but its record hit a serialization
// conflict; the caller restarts and reconciliation recovers it.
func (s *Service) depositRound(ctx context.Context, mi *instance.Instance, terms *ContractTerms, wm *instance.WireMethod, h signing.Hash, states []*coinState) (bool, *merr.Error) {
	var baseURL string
	for _, cs := range states {
		if !cs.foundInDB {
			baseURL = cs.coin.ExchangeURL
			break
		}
	}

	handle, err := s.ex.FindExchange(ctx, baseURL, wm.Method)
	if err != nil {
		return false, s.mapExchangeError(ctx, err)
	}

	now := s.now()
	var group []*coinState
	for _, cs := range states {
		if cs.foundInDB || cs.coin.ExchangeURL != baseURL {
			continue
		}
		denom, ok := handle.Keys.Denomination(cs.coin.DenomPub)
		if !ok {
			return false, merr.New(merr.ErrCodeDenominationUnknown, "denomination unknown at %s", baseURL).
				WithDetail("coin_pub", cs.coin.CoinPub)
		}
		if err := s.auditor.CheckDenomination(handle, cs.coin.DenomPub, now); err != nil {
			return false, merr.New(merr.ErrCodeDenominationRejected, "%v", err).
				WithDetail("coin_pub", cs.coin.CoinPub)
		}
		cmp, cerr := denom.FeeDeposit.Cmp(cs.coin.Contribution)
		if cerr != nil {
			return false, merr.New(merr.ErrCodeCurrencyMismatch, "deposit fee currency differs from coin contribution").
				WithDetail("coin_pub", cs.coin.CoinPub)
		}
		if cmp > 0 {
			return false, merr.New(merr.ErrCodeFeesExceedPayment, "deposit fee exceeds coin contribution").
				WithDetail("coin_pub", cs.coin.CoinPub)
		}
		cs.depositFee = denom.FeeDeposit
		cs.refundFee = denom.FeeRefund
		cs.wireFee = handle.WireFee
		group = append(group, cs)
	}

	// One failed deposit cancels its siblings through the group context.
	g, gctx := errgroup.WithContext(ctx)
	for _, cs := range group {
		cs := cs
		g.Go(func() error {
			res, err := s.ex.Deposit(gctx, handle, exchange.DepositRequest{
				AmountWithFee:    cs.coin.Contribution,
				WireDeadline:     terms.WireTransferDeadline.Time,
				JWire:            wm.JWire,
				HContractTerms:   h,
				CoinPub:          cs.coin.CoinPub,
				DenomPub:         cs.coin.DenomPub,
				DenomSig:         cs.coin.DenomSig,
				CoinSig:          cs.coin.CoinSig,
				Timestamp:        terms.Timestamp.Time,
				MerchantPub:      mi.PubBase64(),
				RefundDeadline:   terms.RefundDeadline.Time,
				ForwardToAuditor: s.auditor.ForceAudit,
			})
			if err != nil {
				return err
			}
			// Persisted outside the big transaction so a crash after
			// this point costs nothing: reconciliation finds the row.
			return s.store.StoreDeposit(gctx, storage.DepositRecord{
				HContractTerms: h,
				MerchantPub:    mi.PubBase64(),
				CoinPub:        cs.coin.CoinPub,
				ExchangeURL:    baseURL,
				AmountWithFee:  cs.coin.Contribution,
				DepositFee:     cs.depositFee,
				RefundFee:      cs.refundFee,
				WireFee:        cs.wireFee,
				SigningPub:     res.SigningPub,
				ExchangeProof:  res.Proof,
			})
		})
	}
	if err := g.Wait(); err != nil {
		if storage.IsSoftError(err) {
			return true, nil
		}
		if errors.Is(err, storage.ErrDepositConflict) {
			return false, merr.New(merr.ErrCodeCoinConflict, "conflicting deposit already recorded")
		}
		return false, s.mapExchangeError(ctx, err)
	}
	return false, nil
}

// buildResponse assembles the signed success reply, including the
// refund permissions granted so far.
func (s *Service) buildResponse(ctx context.Context, mi *instance.Instance, rec storage.ContractRecord, h signing.Hash) (*Response, *merr.Error) {
	var refunds []storage.RefundRecord
	err := storage.RunSerializable(ctx, s.store, "pay-refund-enum", func(tx storage.Tx) error {
		refunds = refunds[:0]
		_, err := s.store.GetRefunds(ctx, tx, mi.PubBase64(), h, func(r storage.RefundRecord) error {
			refunds = append(refunds, r)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, merr.New(merr.ErrCodeDatabaseError, "enumerate refunds: %v", err)
	}

	perms := make([]RefundPermission, 0, len(refunds))
	for _, r := range refunds {
		p, perr := signRefundPermission(mi, h, r.CoinPub, r.RTransactionID, r.RefundAmount, r.RefundFee)
		if perr != nil {
			return nil, perr
		}
		perms = append(perms, p)
	}

	sig := signing.Sign(mi.Priv, signing.PurposeMerchantPaymentOK, signing.PaymentResponsePS(h))
	return &Response{
		ContractTerms:     rec.Terms,
		Sig:               base64.RawURLEncoding.EncodeToString(sig),
		HContractTerms:    h,
		RefundPermissions: perms,
	}, nil
}

// signRefundPermission signs one per-coin refund authorization.
func signRefundPermission(mi *instance.Instance, h signing.Hash, coinPub string, rtid uint64, refundAmount, refundFee amount.Amount) (RefundPermission, *merr.Error) {
	coinKey, err := base64.RawURLEncoding.DecodeString(coinPub)
	if err != nil {
		return RefundPermission{}, merr.New(merr.ErrCodeInternalError, "stored coin_pub is not valid base64")
	}
	payload := signing.RefundRequestPS(h, coinKey, mi.Pub, rtid, refundAmount, refundFee)
	sig := signing.Sign(mi.Priv, signing.PurposeMerchantRefund, payload)
	return RefundPermission{
		CoinPub:        coinPub,
		RTransactionID: rtid,
		RefundAmount:   refundAmount,
		RefundFee:      refundFee,
		MerchantSig:    base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// checkContext translates a dead request context into the right reply.
func (s *Service) checkContext(ctx context.Context) *merr.Error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return merr.New(merr.ErrCodeExchangeTimeout, "payment processing deadline exceeded")
	default:
		return merr.New(merr.ErrCodeShutdown, "request cancelled")
	}
}

// mapExchangeError turns exchange client failures into wallet-facing
// errors per the reply-mapping rules.
func (s *Service) mapExchangeError(ctx context.Context, err error) *merr.Error {
	if perr := s.checkContext(ctx); perr != nil {
		return perr
	}
	var merrTyped *merr.Error
	if errors.As(err, &merrTyped) {
		return merrTyped
	}
	var fe *exchange.FindError
	if errors.As(err, &fe) {
		switch fe.Failure {
		case exchange.FindCurrencyMismatch:
			return merr.New(merr.ErrCodeCurrencyMismatch, "exchange %s operates in a different currency", fe.BaseURL)
		case exchange.FindWireMethodMissing:
			return merr.New(merr.ErrCodeExchangeWireMethodMissing, "exchange %s does not offer the contract's wire method", fe.BaseURL)
		default:
			return merr.New(merr.ErrCodeExchangeKeysFailed, "exchange %s: key set unavailable", fe.BaseURL)
		}
	}
	var rpc *exchange.RPCError
	if errors.As(err, &rpc) {
		if rpc.HTTPStatus >= 500 {
			return merr.New(merr.ErrCodeExchangeFailed, "exchange failed with status %d", rpc.HTTPStatus).
				WithExchangeReply(rpc.HTTPStatus, rpc.Body)
		}
		if !json.Valid(rpc.Body) {
			return merr.New(merr.ErrCodeExchangeReplyBogus, "exchange replied status %d with a non-JSON body", rpc.HTTPStatus).
				WithExchangeReply(rpc.HTTPStatus, nil)
		}
		if rpc.Code == exchange.ECDepositInsufficientFunds {
			return merr.New(merr.ErrCodeInsufficientFunds, "coin has insufficient remaining value").
				WithExchangeReply(rpc.HTTPStatus, rpc.Body)
		}
		return merr.New(merr.ErrCodeExchangeRejected, "exchange rejected the request with status %d", rpc.HTTPStatus).
			WithExchangeReply(rpc.HTTPStatus, rpc.Body)
	}
	return merr.New(merr.ErrCodeExchangeFailed, "exchange unreachable: %v", err)
}
