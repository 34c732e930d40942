package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/bars"
	"github.com/kjannette/trahn-marketdata/internal/httputil"
	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

// GatewayOptions centralizes the timeouts and retry policy of the gateway client.
type GatewayOptions struct {
	BaseURL        string
	APIKey         string
	HealthTimeout  time.Duration
	SearchTimeout  time.Duration
	HistoryTimeout time.Duration
	Retry          httputil.RetryConfig
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

func DefaultGatewayOptions(baseURL string) GatewayOptions {
	return GatewayOptions{
		BaseURL:        baseURL,
		HealthTimeout:  5 * time.Second,
		SearchTimeout:  30 * time.Second,
		HistoryTimeout: 60 * time.Second,
		Retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    8 * time.Second,
		},
	}
}

// GatewayClient talks to the market-data gateway over HTTP/JSON.
type GatewayClient struct {
	opts       GatewayOptions
	httpClient *http.Client
	log        *slog.Logger
}

var _ marketdata.Upstream = (*GatewayClient)(nil)

func NewGatewayClient(opts GatewayOptions) *GatewayClient {
	def := DefaultGatewayOptions(opts.BaseURL)
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = def.HealthTimeout
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = def.SearchTimeout
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = def.HistoryTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &GatewayClient{
		opts:       opts,
		httpClient: hc,
		log:        log.With("component", "gateway"),
	}
}

// Health reports whether the gateway answers and claims an upstream session.
func (c *GatewayClient) Health(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	// One attempt: the keep-alive loop is the retry.
	body, err := c.get(ctx, "health", "/health", nil, httputil.RetryConfig{MaxAttempts: 1})
	if err != nil {
		return false, err
	}

	var status struct {
		Connected     *bool `json:"connected"`
		Authenticated *bool `json:"authenticated"`
	}
	if len(body) > 0 && json.Unmarshal(body, &status) == nil {
		if status.Connected != nil && !*status.Connected {
			return false, nil
		}
		if status.Authenticated != nil && !*status.Authenticated {
			return false, nil
		}
	}
	return true, nil
}

// Reconnect asks the gateway to re-establish its upstream session.
func (c *GatewayClient) Reconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	resp, err := httputil.Do(ctx, c.httpClient, httputil.RetryConfig{MaxAttempts: 1}, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/reconnect", nil)
	})
	if err != nil {
		return classify("reconnect", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusErr("reconnect", resp)
	}
	return nil
}

type gatewayContract struct {
	ContractID  json.Number `json:"conid"`
	Symbol      string      `json:"symbol"`
	SecType     string      `json:"secType"`
	Exchange    string      `json:"exchange"`
	Currency    string      `json:"currency"`
	Description string      `json:"description"`
}

// Search looks up contracts matching pattern.
func (c *GatewayClient) Search(ctx context.Context, pattern, secType, exchange, currency string) ([]models.ContractCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(strings.TrimSpace(pattern)))
	setIf(q, "secType", secType)
	setIf(q, "exchange", exchange)
	setIf(q, "currency", currency)

	body, err := c.get(ctx, "search", "/search", q, c.opts.Retry)
	if err != nil {
		return nil, err
	}

	var raw []gatewayContract
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &raw)
	} else {
		var env struct {
			Contracts []gatewayContract `json:"contracts"`
		}
		err = json.Unmarshal(body, &env)
		raw = env.Contracts
	}
	if err != nil {
		return nil, marketdata.Wrap(marketdata.KindUpstreamBadResponse, "search", err)
	}

	out := make([]models.ContractCandidate, 0, len(raw))
	for _, r := range raw {
		out = append(out, models.ContractCandidate{
			ContractID:  r.ContractID.String(),
			Symbol:      r.Symbol,
			SecType:     r.SecType,
			Exchange:    r.Exchange,
			Currency:    r.Currency,
			Description: r.Description,
		})
	}
	return out, nil
}

// History fetches bars for req and normalizes them.
func (c *GatewayClient) History(ctx context.Context, req models.HistoryRequest) ([]models.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HistoryTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(req.Symbol))
	q.Set("timeframe", string(req.Timeframe))
	if req.Window.IsRange() {
		q.Set("start", req.Window.Start.UTC().Format(time.RFC3339))
		if !req.Window.End.IsZero() {
			q.Set("end", req.Window.End.UTC().Format(time.RFC3339))
		}
	} else {
		q.Set("period", string(req.Window.Period))
	}
	setIf(q, "secType", req.SecType)
	setIf(q, "exchange", req.Exchange)
	setIf(q, "currency", req.Currency)

	start := time.Now()
	body, err := c.get(ctx, "history", "/history", q, c.opts.Retry)
	if err != nil {
		return nil, err
	}
	out, err := bars.DecodeHistory(body)
	if err != nil {
		return nil, err
	}
	c.log.Debug("history fetched", "symbol", req.Symbol, "timeframe", req.Timeframe,
		"window", req.Window.String(), "bars", len(out), "took", time.Since(start))
	return out, nil
}

// Realtime returns the latest quote for symbol.
func (c *GatewayClient) Realtime(ctx context.Context, symbol string) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	body, err := c.get(ctx, "realtime", "/snapshot/"+url.PathEscape(strings.ToUpper(symbol)), nil, c.opts.Retry)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol    string          `json:"symbol"`
		Last      float64         `json:"last"`
		Bid       float64         `json:"bid"`
		Ask       float64         `json:"ask"`
		Volume    float64         `json:"volume"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, marketdata.Wrap(marketdata.KindUpstreamBadResponse, "realtime", err)
	}
	if raw.Last <= 0 {
		return nil, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "realtime", "snapshot for %s has no last price", symbol)
	}

	ts := time.Now().UTC()
	if len(raw.Timestamp) > 0 {
		if sec, err := bars.ParseTimestamp(raw.Timestamp); err == nil {
			ts = time.Unix(sec, 0).UTC()
		}
	}
	if raw.Symbol == "" {
		raw.Symbol = strings.ToUpper(symbol)
	}
	return &models.Snapshot{
		Symbol:    raw.Symbol,
		Last:      raw.Last,
		Bid:       raw.Bid,
		Ask:       raw.Ask,
		Volume:    raw.Volume,
		Timestamp: ts,
	}, nil
}

func (c *GatewayClient) get(ctx context.Context, op, path string, q url.Values, retry httputil.RetryConfig) ([]byte, error) {
	resp, err := httputil.Do(ctx, c.httpClient, retry, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if len(q) > 0 {
			req.URL.RawQuery = q.Encode()
		}
		return req, nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(op, err)
	}
	return body, nil
}

func (c *GatewayClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	return req, nil
}

// classify maps a transport or retry-exhaustion error onto the error taxonomy.
func classify(op string, err error) error {
	if httputil.Timeout(err) {
		return marketdata.Wrap(marketdata.KindUpstreamTimeout, op, err)
	}
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return marketdata.Wrap(marketdata.KindUpstreamUnavailable, op, err).With("status", se.Code)
	}
	if errors.Is(err, context.Canceled) {
		return marketdata.Wrap(marketdata.KindInternal, op, err)
	}
	return marketdata.Wrap(marketdata.KindUpstreamUnavailable, op, err)
}

// statusErr handles a non-retryable, non-200 response.
func statusErr(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	kind := marketdata.KindUpstreamBadResponse
	if resp.StatusCode == http.StatusNotFound {
		kind = marketdata.KindNoData
	}
	return marketdata.Errorf(kind, op, "gateway returned status %d: %s", resp.StatusCode, msg).
		With("status", resp.StatusCode)
}

func setIf(q url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		q.Set(key, value)
	}
}

func (c *GatewayClient) String() string {
	return fmt.Sprintf("gateway(%s)", c.opts.BaseURL)
}
