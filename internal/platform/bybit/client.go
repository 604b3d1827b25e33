package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dkrylov/bybitbot/internal/crypto"
	"github.com/dkrylov/bybitbot/internal/domain"
)

// Rate-limit buckets. Order-affecting calls share a tighter budget than
// read-only market data calls.
const (
	rateKeyOrder       = "bybit:order"
	rateKeyRead        = "bybit:read"
	defaultOrderPerSec = 8
	readPerSec         = 40
)

// Client is the REST client for the Bybit V5 API, implementing
// domain.ExchangeGateway for USDT-linear perpetuals.
type Client struct {
	baseURL     string
	category    string
	auth        *crypto.HMACAuth
	limiter     domain.RateLimiter
	orderPerSec int
	httpClient  *http.Client
}

// NewClient creates a new Bybit REST client.
//
// baseURL is the API root, e.g. "https://api.bybit.com". category is the
// product category, normally "linear". limiter may be nil, in which case
// calls are not budgeted locally. orderPerSec bounds order-affecting calls;
// non-positive values fall back to the default budget.
func NewClient(baseURL, category string, auth *crypto.HMACAuth, limiter domain.RateLimiter, orderPerSec int) *Client {
	if orderPerSec <= 0 {
		orderPerSec = defaultOrderPerSec
	}
	return &Client{
		baseURL:     baseURL,
		category:    category,
		auth:        auth,
		limiter:     limiter,
		orderPerSec: orderPerSec,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// --------------------------------------------------------------------------
// Orders
// --------------------------------------------------------------------------

// PlaceMarket submits a market order. reduceOnly orders only shrink an
// existing position and never open a new one.
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side domain.Side, qty float64, reduceOnly bool) (domain.OrderAck, error) {
	body := map[string]any{
		"category":  c.category,
		"symbol":    symbol,
		"side":      string(side),
		"orderType": "Market",
		"qty":       formatFloat(qty),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	return c.placeOrder(ctx, symbol, body)
}

// PlaceLimit submits a GTC limit order.
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side domain.Side, qty, price float64) (domain.OrderAck, error) {
	body := map[string]any{
		"category":    c.category,
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         formatFloat(qty),
		"price":       formatFloat(price),
		"timeInForce": "GTC",
	}
	return c.placeOrder(ctx, symbol, body)
}

// PlaceReduceOnlyLimit submits a reduce-only GTC limit order, used for
// split-target take profits.
func (c *Client) PlaceReduceOnlyLimit(ctx context.Context, symbol string, side domain.Side, qty, price float64) (domain.OrderAck, error) {
	body := map[string]any{
		"category":    c.category,
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         formatFloat(qty),
		"price":       formatFloat(price),
		"timeInForce": "GTC",
		"reduceOnly":  true,
	}
	return c.placeOrder(ctx, symbol, body)
}

func (c *Client) placeOrder(ctx context.Context, symbol string, body map[string]any) (domain.OrderAck, error) {
	// Client-side order ID, echoed back by the API. Makes resubmission after
	// an ambiguous network failure detectable.
	body["orderLinkId"] = uuid.NewString()

	raw, err := c.post(ctx, "/v5/order/create", body, rateKeyOrder, c.orderPerSec)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: place order %s: %w", symbol, err)
	}

	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: decode order result: %w", err)
	}
	return domain.OrderAck{OrderID: res.OrderID, OrderLinkID: res.OrderLinkID}, nil
}

// PlaceBracket attaches TP/SL trigger prices to the open position via the
// trading-stop endpoint. Zero prices leave the respective side untouched.
func (c *Client) PlaceBracket(ctx context.Context, symbol string, params domain.BracketParams) error {
	body := map[string]any{
		"category":    c.category,
		"symbol":      symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if params.TakeProfit > 0 {
		body["takeProfit"] = formatFloat(params.TakeProfit)
	}
	if params.StopLoss > 0 {
		body["stopLoss"] = formatFloat(params.StopLoss)
	}

	if _, err := c.post(ctx, "/v5/position/trading-stop", body, rateKeyOrder, c.orderPerSec); err != nil {
		return fmt.Errorf("bybit: set trading stop %s: %w", symbol, err)
	}
	return nil
}

// CancelOrder cancels an open order by ID. Cancelling an order that no longer
// exists returns domain.ErrNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if _, err := c.post(ctx, "/v5/order/cancel", body, rateKeyOrder, c.orderPerSec); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderID, err)
	}
	return nil
}

// SetLeverage sets both buy and sell leverage for a symbol. Bybit returns a
// dedicated code when the leverage already matches; that is treated as
// success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	_, err := c.post(ctx, "/v5/position/set-leverage", body, rateKeyOrder, c.orderPerSec)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.Code == retCodeLeverageUnchanged {
			return nil
		}
		return fmt.Errorf("bybit: set leverage %s: %w", symbol, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// GetPosition returns the exchange's view of the position for a symbol.
// A flat symbol returns domain.ErrNotFound.
func (c *Client) GetPosition(ctx context.Context, symbol string) (domain.PositionInfo, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.get(ctx, "/v5/position/list", params, true)
	if err != nil {
		return domain.PositionInfo{}, fmt.Errorf("bybit: get position %s: %w", symbol, err)
	}

	var res positionListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.PositionInfo{}, fmt.Errorf("bybit: decode position list: %w", err)
	}
	for _, row := range res.List {
		size := parseF(row.Size)
		if row.Symbol != symbol || size == 0 {
			continue
		}
		return domain.PositionInfo{
			Symbol:     row.Symbol,
			Side:       domain.Side(row.Side),
			Size:       size,
			EntryPrice: parseF(row.AvgPrice),
			MarkPrice:  parseF(row.MarkPrice),
		}, nil
	}
	return domain.PositionInfo{}, domain.ErrNotFound
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	row, err := c.ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	mark := parseF(row.MarkPrice)
	if mark <= 0 {
		mark = parseF(row.LastPrice)
	}
	if mark <= 0 {
		return 0, fmt.Errorf("bybit: mark price %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return mark, nil
}

// GetBestBidAsk returns the top of the orderbook for a symbol.
func (c *Client) GetBestBidAsk(ctx context.Context, symbol string) (domain.BookTop, error) {
	row, err := c.ticker(ctx, symbol)
	if err != nil {
		return domain.BookTop{}, err
	}
	return domain.BookTop{
		Symbol:  symbol,
		Bid:     parseF(row.Bid1Price),
		BidSize: parseF(row.Bid1Size),
		Ask:     parseF(row.Ask1Price),
		AskSize: parseF(row.Ask1Size),
	}, nil
}

func (c *Client) ticker(ctx context.Context, symbol string) (tickerRow, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.get(ctx, "/v5/market/tickers", params, false)
	if err != nil {
		return tickerRow{}, fmt.Errorf("bybit: get ticker %s: %w", symbol, err)
	}

	var res tickerListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return tickerRow{}, fmt.Errorf("bybit: decode tickers: %w", err)
	}
	if len(res.List) == 0 {
		return tickerRow{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return res.List[0], nil
}

// GetOrderHistory returns recent orders for a symbol, newest first.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.OrderRow, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.get(ctx, "/v5/order/history", params, true)
	if err != nil {
		return nil, fmt.Errorf("bybit: order history %s: %w", symbol, err)
	}
	return decodeOrderList(raw)
}

// GetOpenOrders returns the currently open (unfilled) orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderRow, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.get(ctx, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, fmt.Errorf("bybit: open orders %s: %w", symbol, err)
	}
	return decodeOrderList(raw)
}

func decodeOrderList(raw json.RawMessage) ([]domain.OrderRow, error) {
	var res orderListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode order list: %w", err)
	}

	rows := make([]domain.OrderRow, 0, len(res.List))
	for _, o := range res.List {
		rows = append(rows, domain.OrderRow{
			OrderID:    o.OrderID,
			Symbol:     o.Symbol,
			Side:       domain.Side(o.Side),
			Quantity:   parseF(o.Qty),
			Price:      parseF(o.Price),
			AvgPrice:   parseF(o.AvgPrice),
			FilledQty:  parseF(o.CumExecQty),
			Status:     domain.OrderStatus(o.OrderStatus),
			ReduceOnly: o.ReduceOnly,
			CreatedAt:  parseMs(o.CreatedTime),
		})
	}
	return rows, nil
}

// GetInstrumentFilters returns the lot-size and price filters for a symbol.
func (c *Client) GetInstrumentFilters(ctx context.Context, symbol string) (domain.InstrumentFilters, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.get(ctx, "/v5/market/instruments-info", params, false)
	if err != nil {
		return domain.InstrumentFilters{}, fmt.Errorf("bybit: instrument filters %s: %w", symbol, err)
	}

	var res instrumentListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.InstrumentFilters{}, fmt.Errorf("bybit: decode instruments: %w", err)
	}
	if len(res.List) == 0 {
		return domain.InstrumentFilters{}, fmt.Errorf("bybit: instrument %s: %w", symbol, domain.ErrNotFound)
	}

	row := res.List[0]
	return domain.InstrumentFilters{
		QtyStep:     parseF(row.LotSizeFilter.QtyStep),
		MinQty:      parseF(row.LotSizeFilter.MinOrderQty),
		TickSize:    parseF(row.PriceFilter.TickSize),
		MinNotional: parseF(row.LotSizeFilter.MinNotionalValue),
	}, nil
}

// ListSymbols returns all symbols currently trading in the client's category,
// following pagination cursors.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	cursor := ""
	for {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("limit", "1000")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		raw, err := c.get(ctx, "/v5/market/instruments-info", params, false)
		if err != nil {
			return nil, fmt.Errorf("bybit: list symbols: %w", err)
		}

		var res instrumentListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("bybit: decode instruments: %w", err)
		}
		for _, row := range res.List {
			if row.Status == "Trading" {
				symbols = append(symbols, row.Symbol)
			}
		}
		if res.NextPageCursor == "" {
			return symbols, nil
		}
		cursor = res.NextPageCursor
	}
}

// GetKlines returns up to limit candles for a symbol, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.get(ctx, "/v5/market/kline", params, false)
	if err != nil {
		return nil, fmt.Errorf("bybit: get klines %s: %w", symbol, err)
	}

	var res klineListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode klines: %w", err)
	}

	// The API returns rows newest first; reverse into chronological order.
	// All returned candles except the last are closed.
	klines := make([]domain.Kline, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 7 {
			continue
		}
		klines = append(klines, domain.Kline{
			Symbol:   symbol,
			Start:    parseMs(row[0]),
			Open:     parseF(row[1]),
			High:     parseF(row[2]),
			Low:      parseF(row[3]),
			Close:    parseF(row[4]),
			Volume:   parseF(row[5]),
			Turnover: parseF(row[6]),
			Closed:   i != 0,
		})
	}
	return klines, nil
}

// GetOpenInterest returns the latest open-interest observation for a symbol.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (domain.OISample, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("intervalTime", "5min")
	params.Set("limit", "1")

	raw, err := c.get(ctx, "/v5/market/open-interest", params, false)
	if err != nil {
		return domain.OISample{}, fmt.Errorf("bybit: open interest %s: %w", symbol, err)
	}

	var res oiListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OISample{}, fmt.Errorf("bybit: decode open interest: %w", err)
	}
	if len(res.List) == 0 {
		return domain.OISample{}, fmt.Errorf("bybit: open interest %s: %w", symbol, domain.ErrNotFound)
	}
	return domain.OISample{
		Symbol:    symbol,
		Value:     parseF(res.List[0].OpenInterest),
		Timestamp: parseMs(res.List[0].Timestamp),
	}, nil
}

// GetEquity returns the unified account's total equity in USD.
func (c *Client) GetEquity(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	raw, err := c.get(ctx, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return 0, fmt.Errorf("bybit: wallet balance: %w", err)
	}

	var res walletResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("bybit: decode wallet balance: %w", err)
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("bybit: wallet balance: %w", domain.ErrNotFound)
	}
	return parseF(res.List[0].TotalEquity), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// get issues a GET request. signed requests carry the V5 auth headers with
// the query string as the signing payload.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if err := c.acquire(ctx, rateKeyRead, readPerSec); err != nil {
		return nil, err
	}

	query := params.Encode()
	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if signed {
		for k, v := range c.auth.SignedHeaders(query) {
			req.Header.Set(k, v)
		}
	}

	return c.do(req)
}

// post issues a signed POST request with a JSON body as the signing payload.
func (c *Client) post(ctx context.Context, path string, body map[string]any, rateKey string, perSec int) (json.RawMessage, error) {
	if err := c.acquire(ctx, rateKey, perSec); err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.auth.SignedHeaders(string(jsonBody)) {
		req.Header.Set(k, v)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w (%w)", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w (%w)", err, domain.ErrTransient)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, domain.ErrTransient)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := mapRetCode(env.RetCode, env.RetMsg); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// acquire blocks until the sliding-window limiter admits a request for key.
func (c *Client) acquire(ctx context.Context, key string, perSec int) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, key, perSec, time.Second); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A broken limiter must not halt trading.
		return nil
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Compile-time interface check.
var _ domain.ExchangeGateway = (*Client)(nil)
