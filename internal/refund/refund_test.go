package refund

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/talerforge/merchant/internal/amount"
	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/exchange"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/longpoll"
	"github.com/talerforge/merchant/internal/metrics"
	"github.com/talerforge/merchant/internal/signing"
	"github.com/talerforge/merchant/internal/storage"
)

const testExchangeURL = "https://exchange.example/"

type fakeExchange struct {
	mu      sync.Mutex
	handle  *exchange.Handle
	findErr error
	refunds []exchange.RefundRequest
	// refundErr fails refund execution for one coin_pub.
	refundErr map[string]error
}

func (f *fakeExchange) FindExchange(ctx context.Context, baseURL, wireMethod string) (*exchange.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.handle, nil
}

func (f *fakeExchange) Deposit(ctx context.Context, h *exchange.Handle, req exchange.DepositRequest) (exchange.DepositResult, error) {
	return exchange.DepositResult{}, nil
}

func (f *fakeExchange) Refund(ctx context.Context, h *exchange.Handle, req exchange.RefundRequest) (exchange.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refundErr[req.CoinPub]; err != nil {
		return exchange.RefundResult{}, err
	}
	f.refunds = append(f.refunds, req)
	return exchange.RefundResult{SigningPub: "exchange-signing-pub", ExchangeSig: "refund-sig"}, nil
}

func (f *fakeExchange) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

type refundFixture struct {
	store *storage.MemStore
	ex    *fakeExchange
	hub   *longpoll.Hub
	svc   *Service
	mi    *instance.Instance
}

func newRefundFixture(t *testing.T) *refundFixture {
	t.Helper()

	seed := make([]byte, ed25519.SeedSize)
	copy(seed, []byte("refund-service-test-seed!!!!!!!!"))
	priv := ed25519.NewKeyFromSeed(seed)
	jWire := json.RawMessage(`{"type":"x-taler-bank","account":"payto://x-taler-bank/bank.example/7"}`)
	hWire, err := instance.HashWireDetails(jWire, "salt")
	if err != nil {
		t.Fatalf("hash wire details: %v", err)
	}
	mi := &instance.Instance{
		ID:   instance.DefaultInstanceID,
		Pub:  priv.Public().(ed25519.PublicKey),
		Priv: priv,
		WireMethods: []instance.WireMethod{
			{Method: "x-taler-bank", JWire: jWire, HWire: hWire, Active: true},
		},
	}

	ex := &fakeExchange{handle: &exchange.Handle{
		BaseURL: testExchangeURL,
		Keys:    exchange.Keys{Currency: "EUR"},
	}}

	hub := longpoll.New(zerolog.Nop())
	t.Cleanup(hub.Shutdown)

	store := storage.NewMemStore()
	svc := NewService(store, ex, hub, metrics.New(prometheus.NewRegistry()))
	return &refundFixture{store: store, ex: ex, hub: hub, svc: svc, mi: mi}
}

func coinPub(tag string) string {
	raw := make([]byte, 32)
	copy(raw, []byte(tag))
	return base64.RawURLEncoding.EncodeToString(raw)
}

// insertPaidOrder stores a contract with one deposited coin covering it.
func (f *refundFixture) insertPaidOrder(t *testing.T, orderID, paid string) signing.Hash {
	t.Helper()
	ctx := context.Background()
	doc := map[string]interface{}{
		"amount":       paid,
		"max_fee":      "EUR:0.10",
		"order_id":     orderID,
		"merchant_pub": f.mi.PubBase64(),
		"h_wire":       f.mi.WireMethods[0].HWire.String(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	h, err := signing.HashContractTerms(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.InsertContractTerms(ctx, storage.ContractRecord{
		MerchantPub:    f.mi.PubBase64(),
		OrderID:        orderID,
		Terms:          raw,
		HContractTerms: h,
		Paid:           true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.StoreDeposit(ctx, storage.DepositRecord{
		HContractTerms: h,
		MerchantPub:    f.mi.PubBase64(),
		CoinPub:        coinPub(orderID + "-coin"),
		ExchangeURL:    testExchangeURL,
		AmountWithFee:  amount.MustParse(paid),
		DepositFee:     amount.MustParse("EUR:0.01"),
		RefundFee:      amount.MustParse("EUR:0.01"),
		WireFee:        amount.Zero("EUR"),
	}); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestIncrease(t *testing.T) {
	f := newRefundFixture(t)
	h := f.insertPaidOrder(t, "order-1", "EUR:10.00")
	ctx := context.Background()

	min := amount.MustParse("EUR:1.00")
	waiter := f.hub.Suspend("order-1", f.mi.PubBase64(), &min, time.Now().Add(time.Minute))

	resp, perr := f.svc.Increase(ctx, f.mi, &IncreaseRequest{
		OrderID: "order-1",
		Refund:  amount.MustParse("EUR:2.00"),
		Reason:  "damaged goods",
	}, URLContext{Host: "shop.example"})
	if perr != nil {
		t.Fatalf("increase: %v", perr)
	}
	if resp.HContractTerms != h {
		t.Error("response carries a different contract hash")
	}
	if resp.TalerRefundURL != "taler://refund/shop.example/-/-/order-1" {
		t.Errorf("taler_refund_url = %q", resp.TalerRefundURL)
	}

	select {
	case ev := <-waiter.C:
		if ev.Kind != longpoll.EventRefund {
			t.Errorf("waiter event = %v, want EventRefund", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("refund watcher was not resumed")
	}

	// Idempotent replay at the same ceiling.
	if _, perr := f.svc.Increase(ctx, f.mi, &IncreaseRequest{
		OrderID: "order-1",
		Refund:  amount.MustParse("EUR:2.00"),
		Reason:  "damaged goods",
	}, URLContext{Host: "shop.example"}); perr != nil {
		t.Fatalf("replay: %v", perr)
	}

	tx, _ := f.store.Begin(ctx, "test")
	defer tx.Rollback()
	total := amount.Zero("EUR")
	_, err := f.store.GetRefunds(ctx, tx, f.mi.PubBase64(), h, func(r storage.RefundRecord) error {
		var aerr error
		total, aerr = total.Add(r.RefundAmount)
		return aerr
	})
	if err != nil {
		t.Fatal(err)
	}
	if total.String() != "EUR:2" {
		t.Errorf("refund total = %s, want EUR:2", total)
	}
}

func TestIncreaseValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      IncreaseRequest
		wantCode merr.ErrorCode
	}{
		{
			name:     "missing order id",
			req:      IncreaseRequest{Refund: amount.MustParse("EUR:1.00")},
			wantCode: merr.ErrCodeMissingField,
		},
		{
			name:     "missing refund amount",
			req:      IncreaseRequest{OrderID: "order-1"},
			wantCode: merr.ErrCodeMissingField,
		},
		{
			name:     "unknown order",
			req:      IncreaseRequest{OrderID: "no-such-order", Refund: amount.MustParse("EUR:1.00")},
			wantCode: merr.ErrCodeOrderNotFound,
		},
		{
			name:     "currency mismatch",
			req:      IncreaseRequest{OrderID: "order-1", Refund: amount.MustParse("USD:1.00")},
			wantCode: merr.ErrCodeCurrencyMismatch,
		},
		{
			name:     "beyond amount paid",
			req:      IncreaseRequest{OrderID: "order-1", Refund: amount.MustParse("EUR:11.00")},
			wantCode: merr.ErrCodeRefundInconsistentAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRefundFixture(t)
			f.insertPaidOrder(t, "order-1", "EUR:10.00")
			_, perr := f.svc.Increase(context.Background(), f.mi, &tt.req, URLContext{Host: "shop.example"})
			if perr == nil {
				t.Fatalf("expected %s, got success", tt.wantCode)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", perr.Code, tt.wantCode)
			}
		})
	}
}

func TestLookupNoRefund(t *testing.T) {
	f := newRefundFixture(t)
	f.insertPaidOrder(t, "order-1", "EUR:10.00")

	_, perr := f.svc.Lookup(context.Background(), f.mi, "order-1")
	if perr == nil {
		t.Fatal("expected error")
	}
	if perr.Code != merr.ErrCodeRefundLookupNoRefund {
		t.Errorf("code = %s, want %s", perr.Code, merr.ErrCodeRefundLookupNoRefund)
	}
}

func TestLookupUnknownOrder(t *testing.T) {
	f := newRefundFixture(t)
	_, perr := f.svc.Lookup(context.Background(), f.mi, "no-such-order")
	if perr == nil || perr.Code != merr.ErrCodeOrderNotFound {
		t.Fatalf("error = %v, want order_not_found", perr)
	}
}

func TestLookupExecutesAndCaches(t *testing.T) {
	f := newRefundFixture(t)
	h := f.insertPaidOrder(t, "order-1", "EUR:10.00")
	ctx := context.Background()

	if _, perr := f.svc.Increase(ctx, f.mi, &IncreaseRequest{
		OrderID: "order-1",
		Refund:  amount.MustParse("EUR:2.00"),
		Reason:  "damaged goods",
	}, URLContext{Host: "shop.example"}); perr != nil {
		t.Fatalf("increase: %v", perr)
	}

	resp, perr := f.svc.Lookup(ctx, f.mi, "order-1")
	if perr != nil {
		t.Fatalf("lookup: %v", perr)
	}
	if resp.HContractTerms != h || resp.MerchantPub != f.mi.PubBase64() {
		t.Error("response identity fields wrong")
	}
	if len(resp.Refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(resp.Refunds))
	}
	item := resp.Refunds[0]
	if item.RefundAmount.String() != "EUR:2" {
		t.Errorf("refund amount = %s, want EUR:2", item.RefundAmount)
	}
	if item.ExchangePub != "exchange-signing-pub" || item.ExchangeSig != "refund-sig" {
		t.Errorf("confirmation = %q/%q", item.ExchangePub, item.ExchangeSig)
	}
	if f.ex.refundCount() != 1 {
		t.Fatalf("exchange refunds = %d, want 1", f.ex.refundCount())
	}

	// The merchant signature the exchange saw verifies as a refund
	// permission over this exact refund.
	req := f.ex.refunds[0]
	coinKey, err := base64.RawURLEncoding.DecodeString(req.CoinPub)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(req.MerchantSig)
	if err != nil {
		t.Fatal(err)
	}
	payload := signing.RefundRequestPS(h, coinKey, f.mi.Pub, req.RTransactionID, req.RefundAmount, req.RefundFee)
	if !signing.Verify(f.mi.Pub, signing.PurposeMerchantRefund, payload, sig) {
		t.Error("merchant refund signature does not verify")
	}

	// Second lookup is served from the proof cache.
	if _, perr := f.svc.Lookup(ctx, f.mi, "order-1"); perr != nil {
		t.Fatalf("second lookup: %v", perr)
	}
	if f.ex.refundCount() != 1 {
		t.Errorf("exchange refunds = %d after cached lookup, want 1", f.ex.refundCount())
	}
}

func TestLookupForwardsExchangeFailure(t *testing.T) {
	f := newRefundFixture(t)
	f.insertPaidOrder(t, "order-1", "EUR:10.00")
	ctx := context.Background()

	if _, perr := f.svc.Increase(ctx, f.mi, &IncreaseRequest{
		OrderID: "order-1",
		Refund:  amount.MustParse("EUR:2.00"),
		Reason:  "damaged goods",
	}, URLContext{Host: "shop.example"}); perr != nil {
		t.Fatalf("increase: %v", perr)
	}

	body := json.RawMessage(`{"code":1234,"hint":"refund deadline passed"}`)
	f.ex.refundErr = map[string]error{coinPub("order-1-coin"): &exchange.RPCError{
		Op: "refund", HTTPStatus: 410, Code: 1234, Body: body,
	}}

	resp, perr := f.svc.Lookup(ctx, f.mi, "order-1")
	if perr != nil {
		t.Fatalf("lookup: %v", perr)
	}
	if len(resp.Refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(resp.Refunds))
	}
	item := resp.Refunds[0]
	if item.ExchangeStatus != 410 {
		t.Errorf("exchange status = %d, want 410", item.ExchangeStatus)
	}
	if item.ExchangeCode != 1234 {
		t.Errorf("exchange code = %d, want 1234", item.ExchangeCode)
	}
	if string(item.ExchangeReply) != string(body) {
		t.Errorf("exchange reply = %s, want %s", item.ExchangeReply, body)
	}
	if item.ExchangeSig != "" {
		t.Error("failed item carries a confirmation signature")
	}
}

func TestLookupMarksUnreachableExchange(t *testing.T) {
	f := newRefundFixture(t)
	f.insertPaidOrder(t, "order-1", "EUR:10.00")
	ctx := context.Background()

	if _, perr := f.svc.Increase(ctx, f.mi, &IncreaseRequest{
		OrderID: "order-1",
		Refund:  amount.MustParse("EUR:1.00"),
		Reason:  "late delivery",
	}, URLContext{Host: "shop.example"}); perr != nil {
		t.Fatalf("increase: %v", perr)
	}

	f.ex.findErr = errors.New("connection refused")

	resp, perr := f.svc.Lookup(ctx, f.mi, "order-1")
	if perr != nil {
		t.Fatalf("lookup: %v", perr)
	}
	if len(resp.Refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(resp.Refunds))
	}
	item := resp.Refunds[0]
	if item.ExchangeStatus != http.StatusBadGateway {
		t.Errorf("exchange status = %d, want %d", item.ExchangeStatus, http.StatusBadGateway)
	}
	if item.ExchangeSig != "" || item.ExchangePub != "" {
		t.Error("unreachable exchange still yielded a confirmation")
	}
}
