package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/kjannette/trahn-marketdata/internal/bars"
	"github.com/kjannette/trahn-marketdata/internal/httputil"
	md "github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string // market-data API; empty uses the SDK default
	TradeURL  string // trading API, used for assets and the clock
	Feed      string // "iex" or "sip"
	Gateway   GatewayOptions
}

// AlpacaProvider serves bars, quotes and asset lookups from Alpaca.
type AlpacaProvider struct {
	data  *marketdata.Client
	trade *alpaca.Client
	feed  marketdata.Feed
	opts  GatewayOptions
	log   *slog.Logger
}

var _ md.Upstream = (*AlpacaProvider)(nil)

func NewAlpacaProvider(o AlpacaOptions) *AlpacaProvider {
	dataOpts := marketdata.ClientOpts{
		APIKey:    o.APIKey,
		APISecret: o.APISecret,
	}
	if o.DataURL != "" {
		dataOpts.BaseURL = o.DataURL
	}
	tradeOpts := alpaca.ClientOpts{
		APIKey:    o.APIKey,
		APISecret: o.APISecret,
	}
	if o.TradeURL != "" {
		tradeOpts.BaseURL = o.TradeURL
	}
	feed := o.Feed
	if feed == "" {
		feed = "iex"
	}

	gw := NewGatewayClient(o.Gateway)
	return &AlpacaProvider{
		data:  marketdata.NewClient(dataOpts),
		trade: alpaca.NewClient(tradeOpts),
		feed:  marketdata.Feed(feed),
		opts:  gw.opts,
		log:   gw.log.With("provider", "alpaca"),
	}
}

var alpacaTimeframes = map[models.Timeframe]marketdata.TimeFrame{
	models.TF1Min:   marketdata.NewTimeFrame(1, marketdata.Min),
	models.TF5Min:   marketdata.NewTimeFrame(5, marketdata.Min),
	models.TF15Min:  marketdata.NewTimeFrame(15, marketdata.Min),
	models.TF30Min:  marketdata.NewTimeFrame(30, marketdata.Min),
	models.TF1Hour:  marketdata.NewTimeFrame(1, marketdata.Hour),
	models.TF4Hour:  marketdata.NewTimeFrame(4, marketdata.Hour),
	models.TF1Day:   marketdata.NewTimeFrame(1, marketdata.Day),
	models.TF1Week:  marketdata.NewTimeFrame(1, marketdata.Week),
	models.TF1Month: marketdata.NewTimeFrame(1, marketdata.Month),
}

func (p *AlpacaProvider) Health(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	clock, err := withContext(ctx, p.trade.GetClock)
	if err != nil {
		return false, classifyAlpaca("health", alpacaErr(err))
	}
	return clock != nil, nil
}

// Reconnect is a no-op: the REST clients hold no session.
func (p *AlpacaProvider) Reconnect(context.Context) error { return nil }

// Search resolves an exact symbol to its Alpaca asset. Alpaca has no fuzzy
// search, so an unknown symbol yields no candidates.
func (p *AlpacaProvider) Search(ctx context.Context, pattern, secType, exchange, currency string) ([]models.ContractCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SearchTimeout)
	defer cancel()

	symbol := strings.ToUpper(strings.TrimSpace(pattern))
	asset, err := withContext(ctx, func() (*alpaca.Asset, error) {
		return p.trade.GetAsset(symbol)
	})
	if err != nil {
		err = alpacaErr(err)
		var se *httputil.StatusError
		if (errors.As(err, &se) && se.Code == http.StatusNotFound) || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return []models.ContractCandidate{}, nil
		}
		return nil, classifyAlpaca("search", err)
	}
	if exchange != "" && exchange != models.DefaultExchange && !strings.EqualFold(exchange, asset.Exchange) {
		return []models.ContractCandidate{}, nil
	}

	if secType == "" {
		secType = models.DefaultSecType
	}
	if currency == "" {
		currency = models.DefaultCurrency
	}
	return []models.ContractCandidate{{
		ContractID:  asset.ID,
		Symbol:      asset.Symbol,
		SecType:     secType,
		Exchange:    asset.Exchange,
		Currency:    currency,
		Description: asset.Name,
	}}, nil
}

func (p *AlpacaProvider) History(ctx context.Context, req models.HistoryRequest) ([]models.Bar, error) {
	tf, ok := alpacaTimeframes[req.Timeframe]
	if !ok {
		return nil, md.Errorf(md.KindInvalidRequest, "history", "unsupported timeframe %q", req.Timeframe)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.HistoryTimeout)
	defer cancel()

	start, end := req.Window.Bounds(time.Now())
	symbol := strings.ToUpper(req.Symbol)

	var raw []marketdata.Bar
	err := httputil.Retry(ctx, p.opts.Retry, func() error {
		var err error
		raw, err = withContext(ctx, func() ([]marketdata.Bar, error) {
			return p.data.GetBars(symbol, marketdata.GetBarsRequest{
				TimeFrame: tf,
				Start:     start,
				End:       end,
				Feed:      p.feed,
			})
		})
		return alpacaErr(err)
	})
	if err != nil {
		return nil, classifyAlpaca("history", err)
	}

	out := make([]models.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, bars.FromTime(b.Timestamp, b.Open, b.High, b.Low, b.Close, float64(b.Volume)))
	}
	p.log.Debug("history fetched", "symbol", symbol, "timeframe", req.Timeframe, "bars", len(out))
	return bars.Canonicalize(out), nil
}

func (p *AlpacaProvider) Realtime(ctx context.Context, symbol string) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SearchTimeout)
	defer cancel()

	symbol = strings.ToUpper(symbol)
	snap, err := withContext(ctx, func() (*marketdata.Snapshot, error) {
		return p.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: p.feed})
	})
	if err != nil {
		return nil, classifyAlpaca("realtime", alpacaErr(err))
	}
	if snap == nil || snap.LatestTrade == nil {
		return nil, md.Errorf(md.KindUpstreamBadResponse, "realtime", "snapshot for %s has no latest trade", symbol)
	}

	out := &models.Snapshot{
		Symbol:    symbol,
		Last:      snap.LatestTrade.Price,
		Timestamp: snap.LatestTrade.Timestamp.UTC(),
	}
	if snap.LatestQuote != nil {
		out.Bid = snap.LatestQuote.BidPrice
		out.Ask = snap.LatestQuote.AskPrice
	}
	if snap.DailyBar != nil {
		out.Volume = float64(snap.DailyBar.Volume)
	}
	return out, nil
}

// alpacaErr exposes the HTTP status of an SDK API error as a StatusError so
// retry and classification treat Alpaca like the gateway.
func alpacaErr(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &httputil.StatusError{Code: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

// classifyAlpaca maps 404 to no_data and other non-retryable statuses to
// upstream_bad_response; everything else goes through classify.
func classifyAlpaca(op string, err error) error {
	var se *httputil.StatusError
	if errors.As(err, &se) && !httputil.Transient(se) {
		kind := md.KindUpstreamBadResponse
		if se.Code == http.StatusNotFound {
			kind = md.KindNoData
		}
		return md.Errorf(kind, op, "alpaca returned status %d: %s", se.Code, se.Body).With("status", se.Code)
	}
	return classify(op, err)
}

// withContext runs a context-less SDK call and stops waiting when ctx ends.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("alpaca call: %w", ctx.Err())
	}
}

func (p *AlpacaProvider) String() string {
	return fmt.Sprintf("alpaca (feed %s)", p.feed)
}
