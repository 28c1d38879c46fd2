package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/talerforge/merchant/internal/amount"
	"github.com/talerforge/merchant/internal/httputil"
	"github.com/talerforge/merchant/internal/metrics"
)

const (
	defaultKeysTTL     = 15 * time.Minute
	defaultHTTPTimeout = 30 * time.Second
	maxReplyBytes      = 1 << 20
)

// HTTPClient talks to exchanges over their REST API. Key sets are
// cached per base URL; each exchange host gets its own circuit breaker
// so one dead exchange cannot starve deposits going elsewhere.
type HTTPClient struct {
	httpc    *http.Client
	keys     *gocache.Cache
	currency string
	trusted  map[string]bool
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config configures the exchange HTTP client.
type Config struct {
	// Currency every exchange must operate in.
	Currency string
	// TrustedExchanges lists base URLs exempt from the auditor check.
	TrustedExchanges []string
	// KeysTTL bounds how long a cached key set is reused.
	KeysTTL time.Duration
	// Timeout bounds a single HTTP round-trip.
	Timeout time.Duration
}

// NewHTTPClient creates an exchange client.
func NewHTTPClient(cfg Config, log zerolog.Logger) *HTTPClient {
	ttl := cfg.KeysTTL
	if ttl == 0 {
		ttl = defaultKeysTTL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	trusted := make(map[string]bool, len(cfg.TrustedExchanges))
	for _, u := range cfg.TrustedExchanges {
		trusted[normalizeBaseURL(u)] = true
	}
	return &HTTPClient{
		httpc:    httputil.NewClient(timeout),
		keys:     gocache.New(ttl, ttl),
		currency: cfg.Currency,
		trusted:  trusted,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// WithMetrics wires RPC counters and round-trip histograms into the
// client.
func (c *HTTPClient) WithMetrics(m *metrics.Metrics) *HTTPClient {
	c.metrics = m
	return c
}

// observe records one exchange RPC, when metrics are wired.
func (c *HTTPClient) observe(baseURL, op string, start time.Time, err error) {
	c.metrics.ObserveExchangeCall(baseURL, op, start, err)
}

func normalizeBaseURL(u string) string {
	return strings.TrimRight(u, "/")
}

// breaker returns the per-host circuit breaker, creating it on first use.
func (c *HTTPClient) breaker(baseURL string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[baseURL]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("exchange", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("exchange.breaker.state_change")
		},
	})
	c.breakers[baseURL] = cb
	return cb
}

func (c *HTTPClient) FindExchange(ctx context.Context, baseURL, wireMethod string) (*Handle, error) {
	baseURL = normalizeBaseURL(baseURL)

	keys, err := c.fetchKeys(ctx, baseURL)
	if err != nil {
		return nil, &FindError{Failure: FindKeysFailed, BaseURL: baseURL, Err: err}
	}
	if keys.Currency != c.currency {
		return nil, &FindError{Failure: FindCurrencyMismatch, BaseURL: baseURL}
	}
	wireFee, ok := keys.CurrentWireFee(wireMethod, time.Now())
	if !ok {
		return nil, &FindError{Failure: FindWireMethodMissing, BaseURL: baseURL}
	}
	return &Handle{
		BaseURL: baseURL,
		Keys:    keys,
		WireFee: wireFee,
		Trusted: c.trusted[baseURL],
	}, nil
}

// fetchKeys downloads /keys, retrying transient failures with
// exponential backoff bounded by the caller's context.
func (c *HTTPClient) fetchKeys(ctx context.Context, baseURL string) (Keys, error) {
	if cached, ok := c.keys.Get(baseURL); ok {
		return cached.(Keys), nil
	}

	var keys Keys
	start := time.Now()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		body, status, err := c.do(ctx, baseURL, http.MethodGet, baseURL+"/keys", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("keys: http %d", status)
		}
		if err := json.Unmarshal(body, &keys); err != nil {
			return backoff.Permanent(fmt.Errorf("keys: parse: %w", err))
		}
		return nil
	}, policy)
	c.observe(baseURL, "keys", start, err)
	if err != nil {
		return Keys{}, err
	}

	c.keys.SetDefault(baseURL, keys)
	return keys, nil
}

func (c *HTTPClient) Deposit(ctx context.Context, h *Handle, req DepositRequest) (_ DepositResult, err error) {
	defer func(start time.Time) { c.observe(h.BaseURL, "deposit", start, err) }(time.Now())

	body := map[string]interface{}{
		"f":                req.AmountWithFee,
		"wire":             req.JWire,
		"h_contract_terms": req.HContractTerms,
		"coin_pub":         req.CoinPub,
		"denom_pub":        req.DenomPub,
		"ub_sig":           req.DenomSig,
		"coin_sig":         req.CoinSig,
		"timestamp":        req.Timestamp.Unix(),
		"merchant_pub":     req.MerchantPub,
		"refund_deadline":  req.RefundDeadline.Unix(),
		"wire_deadline":    req.WireDeadline.Unix(),
	}
	if req.ForwardToAuditor {
		body["auditor_forward"] = true
	}

	reply, status, err := c.post(ctx, h.BaseURL, h.BaseURL+"/deposit", body)
	if err != nil {
		return DepositResult{}, fmt.Errorf("deposit %s: %w", h.BaseURL, err)
	}
	if status != http.StatusOK {
		return DepositResult{}, rpcError("deposit", status, reply)
	}

	var out struct {
		ExchangeSig string `json:"sig"`
		SigningPub  string `json:"pub"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return DepositResult{}, rpcError("deposit", status, nil)
	}
	return DepositResult{
		ExchangeSig: out.ExchangeSig,
		SigningPub:  out.SigningPub,
		Proof:       json.RawMessage(reply),
	}, nil
}

func (c *HTTPClient) Refund(ctx context.Context, h *Handle, req RefundRequest) (_ RefundResult, err error) {
	defer func(start time.Time) { c.observe(h.BaseURL, "refund", start, err) }(time.Now())

	body := map[string]interface{}{
		"refund_amount":    req.RefundAmount,
		"refund_fee":       req.RefundFee,
		"h_contract_terms": req.HContractTerms,
		"coin_pub":         req.CoinPub,
		"rtransaction_id":  req.RTransactionID,
		"merchant_pub":     req.MerchantPub,
		"merchant_sig":     req.MerchantSig,
	}

	reply, status, err := c.post(ctx, h.BaseURL, h.BaseURL+"/refund", body)
	if err != nil {
		return RefundResult{}, fmt.Errorf("refund %s: %w", h.BaseURL, err)
	}
	if status != http.StatusOK {
		return RefundResult{}, rpcError("refund", status, reply)
	}

	var out struct {
		SigningPub  string `json:"pub"`
		ExchangeSig string `json:"sig"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return RefundResult{}, rpcError("refund", status, nil)
	}
	return RefundResult{SigningPub: out.SigningPub, ExchangeSig: out.ExchangeSig}, nil
}

// rpcError extracts the exchange's numeric code when the body is JSON.
func rpcError(op string, status int, body json.RawMessage) *RPCError {
	e := &RPCError{Op: op, HTTPStatus: status, Body: body}
	var parsed struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		e.Code = parsed.Code
	}
	return e
}

func (c *HTTPClient) post(ctx context.Context, baseURL, endpoint string, body interface{}) (json.RawMessage, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, baseURL, http.MethodPost, endpoint, encoded)
}

// do runs one HTTP round-trip through the exchange's circuit breaker.
func (c *HTTPClient) do(ctx context.Context, baseURL, method, endpoint string, body []byte) (json.RawMessage, int, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, 0, fmt.Errorf("bad exchange url %q: %w", endpoint, err)
	}

	type reply struct {
		body   []byte
		status int
	}
	out, err := c.breaker(baseURL).Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return nil, err
		}
		return reply{body: data, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := out.(reply)
	return json.RawMessage(r.body), r.status, nil
}

// EnsureCurrency verifies an amount carries the configured currency.
func (c *HTTPClient) EnsureCurrency(a amount.Amount) error {
	if a.Currency != c.currency {
		return fmt.Errorf("exchange: amount %s not in configured currency %s", a, c.currency)
	}
	return nil
}
