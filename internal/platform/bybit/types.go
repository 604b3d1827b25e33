package bybit

import (
	"encoding/json"
	"strconv"
	"time"
)

// apiResponse is the V5 envelope wrapping every REST response.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// orderResult is the result payload of order create/cancel.
type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// orderRow is one order from history or realtime queries. Bybit encodes all
// numeric fields as strings.
type orderRow struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
}

type orderListResult struct {
	List []orderRow `json:"list"`
}

// positionRow is one entry from the position list.
type positionRow struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	AvgPrice  string `json:"avgPrice"`
	MarkPrice string `json:"markPrice"`
}

type positionListResult struct {
	List []positionRow `json:"list"`
}

// tickerRow is one entry from the market tickers query.
type tickerRow struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
	Bid1Price string `json:"bid1Price"`
	Bid1Size  string `json:"bid1Size"`
	Ask1Price string `json:"ask1Price"`
	Ask1Size  string `json:"ask1Size"`
}

type tickerListResult struct {
	List []tickerRow `json:"list"`
}

// instrumentRow is one entry from the instruments-info query.
type instrumentRow struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type instrumentListResult struct {
	List           []instrumentRow `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// klineListResult carries candle rows as positional string arrays:
// [startTime, open, high, low, close, volume, turnover], newest first.
type klineListResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// oiRow is one open-interest observation.
type oiRow struct {
	OpenInterest string `json:"openInterest"`
	Timestamp    string `json:"timestamp"`
}

type oiListResult struct {
	Symbol string  `json:"symbol"`
	List   []oiRow `json:"list"`
}

// walletResult carries the unified account equity.
type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
	} `json:"list"`
}

// --------------------------------------------------------------------------
// Parsing helpers
// --------------------------------------------------------------------------

// parseF parses a Bybit string-encoded float. Empty strings decode to 0,
// which the API uses for unset numeric fields.
func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// parseMs parses a millisecond Unix timestamp string.
func parseMs(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
