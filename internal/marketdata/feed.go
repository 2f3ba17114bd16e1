// Package marketdata implements the market-data ingress worker (C5): one
// ExchangeFeed adapter per (exchange, symbol-set) pair streams ticks and
// depth snapshots off a public WebSocket channel, and an Ingestor fans
// every parsed frame onto the market-data ring (C2) and the journal (C4).
//
// The adapter shape generalizes internal/exchange/ws.go's connection
// lifecycle (gorilla/websocket, exponential backoff, ping/read-deadline
// heartbeat) from a single hard-coded venue to a pluggable ParseFunc, so
// a new exchange only has to supply its own wire decoding, not its own
// reconnect logic.
package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradingbus/internal/frame"
)

const (
	pingInterval  = 50 * time.Second
	readTimeout   = 90 * time.Second
	writeTimeout  = 10 * time.Second
	tickBuffer    = 1024
	depthBuffer   = 256
	sysBuffer     = 16

	// defaultMinBackoff/defaultMaxBackoff bound the feed's reconnect delay.
	// spec.md widens the teacher's 30s cap to 60s.
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 60 * time.Second
)

// SymbolResolver maps a venue's wire symbol name to its interned id.
type SymbolResolver func(symbol string) (uint16, bool)

// ParseFunc decodes one raw WebSocket message into at most one of a
// MarketEvent or a DepthEvent. A nil, nil, nil return means the message
// was recognized but carries nothing worth forwarding (heartbeat, ack).
type ParseFunc func(raw []byte, resolve SymbolResolver, exchangeID uint16, seq uint64) (*frame.MarketEvent, *frame.DepthEvent, error)

// wireMessage is the envelope DefaultCodec decodes directly via
// encoding/json.Decoder rather than an intermediate map[string]interface{}
// DOM — the hot path never reflects over an untyped tree.
type wireMessage struct {
	EventType string       `json:"event_type"`
	Symbol    string       `json:"symbol"`
	Last      float64      `json:"last"`
	Bid       float64      `json:"bid"`
	Ask       float64      `json:"ask"`
	Volume    float64      `json:"volume"`
	BidSize   float64      `json:"bid_size"`
	Bids      [][2]float64 `json:"bids"`
	Asks      [][2]float64 `json:"asks"`
}

// DefaultCodec is the ParseFunc used when an exchange has no bespoke wire
// format: event_type "ticker"/"trade" produces a MarketEvent, "depth"
// produces a five-level DepthEvent, anything else is ignored.
func DefaultCodec(raw []byte, resolve SymbolResolver, exchangeID uint16, seq uint64) (*frame.MarketEvent, *frame.DepthEvent, error) {
	var msg wireMessage
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&msg); err != nil {
		return nil, nil, fmt.Errorf("decode wire message: %w", err)
	}

	switch msg.EventType {
	case "ticker", "trade":
		symID, ok := resolve(msg.Symbol)
		if !ok {
			return nil, nil, fmt.Errorf("unknown symbol %q", msg.Symbol)
		}
		t := frame.NewMarketEvent(frame.EventTicker, exchangeID, symID, seq)
		t.Last, t.Bid, t.Ask, t.Volume, t.BidSize = msg.Last, msg.Bid, msg.Ask, msg.Volume, msg.BidSize
		return &t, nil, nil

	case "depth":
		symID, ok := resolve(msg.Symbol)
		if !ok {
			return nil, nil, fmt.Errorf("unknown symbol %q", msg.Symbol)
		}
		d := frame.DepthEvent{TS: time.Now().UnixNano(), ExchangeID: exchangeID, SymbolID: symID, Seq: seq}
		for i := 0; i < len(msg.Bids) && i < 5; i++ {
			d.Bids[i] = frame.DepthLevel{Price: msg.Bids[i][0], Size: msg.Bids[i][1]}
		}
		for i := 0; i < len(msg.Asks) && i < 5; i++ {
			d.Asks[i] = frame.DepthLevel{Price: msg.Asks[i][0], Size: msg.Asks[i][1]}
		}
		return nil, &d, nil

	default:
		return nil, nil, nil
	}
}

// ExchangeFeed is one adapter's public surface: an Ingestor runs it and
// reads its three output channels until ctx is cancelled.
type ExchangeFeed interface {
	Run(ctx context.Context) error
	Ticks() <-chan frame.MarketEvent
	Depths() <-chan frame.DepthEvent
	SystemEvents() <-chan frame.CommandEvent
}

type subscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSAdapter is the default ExchangeFeed implementation: a single
// reconnecting WebSocket connection subscribed to a fixed symbol set,
// parsed via a pluggable ParseFunc.
type WSAdapter struct {
	exchangeName string
	exchangeID   uint16
	url          string
	symbols      []string
	resolve      SymbolResolver
	parse        ParseFunc
	minBackoff   time.Duration
	maxBackoff   time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	seq atomic.Uint64

	ticks  chan frame.MarketEvent
	depths chan frame.DepthEvent
	sys    chan frame.CommandEvent

	logger *slog.Logger
}

// NewWSAdapter creates an adapter for one exchange's public feed. parse
// defaults to DefaultCodec if nil. minBackoff/maxBackoff default to
// 1s/60s if zero.
func NewWSAdapter(
	exchangeName string,
	exchangeID uint16,
	wsURL string,
	symbols []string,
	resolve SymbolResolver,
	parse ParseFunc,
	minBackoff, maxBackoff time.Duration,
	logger *slog.Logger,
) *WSAdapter {
	if parse == nil {
		parse = DefaultCodec
	}
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &WSAdapter{
		exchangeName: exchangeName,
		exchangeID:   exchangeID,
		url:          wsURL,
		symbols:      symbols,
		resolve:      resolve,
		parse:        parse,
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,
		ticks:        make(chan frame.MarketEvent, tickBuffer),
		depths:       make(chan frame.DepthEvent, depthBuffer),
		sys:          make(chan frame.CommandEvent, sysBuffer),
		logger:       logger.With("component", "marketdata", "exchange", exchangeName),
	}
}

func (a *WSAdapter) Ticks() <-chan frame.MarketEvent        { return a.ticks }
func (a *WSAdapter) Depths() <-chan frame.DepthEvent        { return a.depths }
func (a *WSAdapter) SystemEvents() <-chan frame.CommandEvent { return a.sys }

// Run connects and maintains the WebSocket connection with auto-reconnect,
// mirroring internal/exchange/ws.go's WSFeed.Run. Blocks until ctx is
// cancelled.
func (a *WSAdapter) Run(ctx context.Context) error {
	backoff := a.minBackoff

	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.emitSystem(frame.CmdConnectionLost, err)
		a.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
}

func (a *WSAdapter) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	if err := a.writeJSON(subscribeMsg{Type: "subscribe", Symbols: a.symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	a.logger.Info("feed connected")
	a.emitSystem(frame.CmdConnectionOK, nil)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go a.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		a.dispatch(msg)
	}
}

func (a *WSAdapter) dispatch(raw []byte) {
	seq := a.seq.Add(1)
	tick, depth, err := a.parse(raw, a.resolve, a.exchangeID, seq)
	if err != nil {
		a.logger.Debug("dropping unparsable message", "error", err)
		return
	}
	if tick != nil {
		select {
		case a.ticks <- *tick:
		default:
			a.logger.Warn("tick channel full, dropping event", "symbol_id", tick.SymbolID)
		}
	}
	if depth != nil {
		select {
		case a.depths <- *depth:
		default:
			a.logger.Warn("depth channel full, dropping event", "symbol_id", depth.SymbolID)
		}
	}
}

func (a *WSAdapter) emitSystem(cmd frame.Command, cause error) {
	evt := frame.CommandEvent{TS: time.Now().UnixNano(), Cmd: cmd}
	if cause != nil {
		evt.SetParamsJSON(fmt.Sprintf(`{"exchange":%q,"error":%q}`, a.exchangeName, cause.Error()))
	} else {
		evt.SetParamsJSON(fmt.Sprintf(`{"exchange":%q}`, a.exchangeName))
	}
	select {
	case a.sys <- evt:
	default:
		a.logger.Warn("system event channel full, dropping", "cmd", cmd)
	}
}

func (a *WSAdapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				a.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (a *WSAdapter) writeJSON(v interface{}) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteJSON(v)
}

func (a *WSAdapter) writeMessage(msgType int, data []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteMessage(msgType, data)
}

// Close gracefully closes the underlying connection, if any.
func (a *WSAdapter) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
