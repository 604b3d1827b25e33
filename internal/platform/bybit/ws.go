package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkrylov/bybitbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the time allowed between inbound messages before the
	// connection is considered dead. Bybit answers app-level pings, so any
	// healthy connection produces traffic well inside this window.
	readWait = 60 * time.Second

	// pingPeriod sends app-level pings at this interval. Must be less than
	// readWait.
	pingPeriod = 20 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// wsCommand is an outbound op frame on the public stream.
type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsKlineRow is one candle in a kline topic push.
type wsKlineRow struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

// wsTickerData is the payload of a tickers topic push. Delta frames omit
// unchanged fields, so empty strings mean "no change".
type wsTickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

// WSClient is a client for the Bybit V5 public linear stream, implementing
// domain.MarketStream. Subscriptions are registered up front; Run owns the
// connection for its whole lifetime and reconnects with exponential backoff.
type WSClient struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.Mutex
	topics []string

	// klineHandlers routes kline pushes by interval, so the evaluation and
	// HTF subscriptions feed separate caches.
	klineHandlers map[string]domain.KlineHandler
	tickerHandler domain.TickerHandler

	// Last merged ticker per symbol, so delta frames resolve against the
	// previous snapshot.
	tickers map[string]domain.Ticker
}

// NewWSClient creates a new public-stream client for the given endpoint,
// e.g. "wss://stream.bybit.com/v5/public/linear".
func NewWSClient(wsURL string, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:         wsURL,
		logger:        logger.With(slog.String("component", "bybit_ws")),
		klineHandlers: make(map[string]domain.KlineHandler),
		tickers:       make(map[string]domain.Ticker),
	}
}

// SubscribeKlines registers a kline subscription for the given symbols and
// interval. Must be called before Run.
func (w *WSClient) SubscribeKlines(symbols []string, interval string, h domain.KlineHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h == nil {
		return fmt.Errorf("bybit/ws: nil kline handler")
	}
	for _, s := range symbols {
		w.topics = append(w.topics, "kline."+interval+"."+s)
	}
	w.klineHandlers[interval] = h
	return nil
}

// SubscribeTickers registers a ticker subscription for the given symbols.
// Must be called before Run.
func (w *WSClient) SubscribeTickers(symbols []string, h domain.TickerHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h == nil {
		return fmt.Errorf("bybit/ws: nil ticker handler")
	}
	for _, s := range symbols {
		w.topics = append(w.topics, "tickers."+s)
	}
	w.tickerHandler = h
	return nil
}

// Run connects and reads messages until ctx is cancelled, reconnecting and
// resubscribing on any connection failure.
func (w *WSClient) Run(ctx context.Context) error {
	delay := reconnectDelay

	for {
		err := w.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConn establishes one connection, subscribes, and reads until failure.
func (w *WSClient) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}
	defer conn.Close()

	w.mu.Lock()
	topics := make([]string, len(w.topics))
	copy(topics, w.topics)
	w.mu.Unlock()

	if err := writeJSON(conn, wsCommand{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
	}
	w.logger.Info("subscribed", slog.Int("topics", len(topics)))

	// Ping loop for this connection. Bybit expects app-level ping frames.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := writeJSON(conn, wsCommand{Op: "ping"}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bybit/ws: read: %w (%w)", err, domain.ErrWSDisconnect)
		}
		w.handleMessage(ctx, message)
	}
}

// handleMessage routes one inbound frame by topic prefix. Unparseable or
// unknown frames are dropped.
func (w *WSClient) handleMessage(ctx context.Context, raw []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Op    string          `json:"op"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Topic == "" {
		return // pong and subscribe acks
	}

	switch {
	case strings.HasPrefix(envelope.Topic, "kline."):
		w.handleKline(ctx, envelope.Topic, envelope.Data)
	case strings.HasPrefix(envelope.Topic, "tickers."):
		w.handleTicker(ctx, envelope.Topic, envelope.Data)
	}
}

func (w *WSClient) handleKline(ctx context.Context, topic string, data json.RawMessage) {
	// Topic form: kline.{interval}.{symbol}
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	interval, symbol := parts[1], parts[2]

	var rows []wsKlineRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	w.mu.Lock()
	h := w.klineHandlers[interval]
	w.mu.Unlock()
	if h == nil {
		return
	}

	for _, row := range rows {
		h(ctx, domain.Kline{
			Symbol:   symbol,
			Start:    time.UnixMilli(row.Start).UTC(),
			Open:     parseF(row.Open),
			High:     parseF(row.High),
			Low:      parseF(row.Low),
			Close:    parseF(row.Close),
			Volume:   parseF(row.Volume),
			Turnover: parseF(row.Turnover),
			Closed:   row.Confirm,
		})
	}
}

func (w *WSClient) handleTicker(ctx context.Context, topic string, data json.RawMessage) {
	var d wsTickerData
	if err := json.Unmarshal(data, &d); err != nil {
		return
	}
	symbol := strings.TrimPrefix(topic, "tickers.")
	if d.Symbol != "" {
		symbol = d.Symbol
	}

	w.mu.Lock()
	t := w.tickers[symbol]
	t.Symbol = symbol
	if d.LastPrice != "" {
		t.LastPrice = parseF(d.LastPrice)
	}
	if d.MarkPrice != "" {
		t.MarkPrice = parseF(d.MarkPrice)
	}
	t.Timestamp = time.Now().UTC()
	w.tickers[symbol] = t
	h := w.tickerHandler
	w.mu.Unlock()

	if h != nil && t.LastPrice > 0 {
		h(ctx, t)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Compile-time interface check.
var _ domain.MarketStream = (*WSClient)(nil)
