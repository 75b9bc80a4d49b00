// Package marketdata multiplexes price subscriptions for many instruments
// over one shared venue stream connection, behind a reference-counted
// subscribe/unsubscribe API.
package marketdata

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Handler receives one price tick. Ticks are fanned out synchronously to all
// handlers for the symbol; a panic in one handler never reaches its siblings.
type Handler func(symbol string, price float64)

// Config tunes the shared stream connection. Reconnection uses a fixed delay
// with unbounded retries and no backoff growth: fast recovery is worth more
// than politeness on this venue, and the connection only lives while at least
// one symbol is subscribed.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
}

type Mux struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	refs     map[string]int
	handlers map[string]map[int]Handler
	nextID   int
	last     map[string]float64

	conn    *websocket.Conn
	writeMu sync.Mutex
	msgID   atomic.Uint64

	runCancel context.CancelFunc
	done      chan struct{}
}

type streamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type tickFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

func New(cfg Config, log *logrus.Logger) *Mux {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Mux{
		cfg:      cfg,
		log:      log,
		refs:     make(map[string]int),
		handlers: make(map[string]map[int]Handler),
		last:     make(map[string]float64),
	}
}

// Subscribe registers a handler for one symbol's price ticks and returns its
// unsubscribe function. The 0→1 transition for a symbol issues a venue
// subscription; the first symbol overall starts the shared connection. A late
// subscriber immediately receives the last known price when one is cached.
func (m *Mux) Subscribe(symbol string, handler Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[symbol] == nil {
		m.handlers[symbol] = make(map[int]Handler)
	}
	m.handlers[symbol][id] = handler
	m.refs[symbol]++
	first := m.refs[symbol] == 1
	lastPrice, hasLast := m.last[symbol]
	if m.runCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.runCancel = cancel
		m.done = make(chan struct{})
		go m.run(ctx)
	}
	m.mu.Unlock()

	if first {
		m.sendControl("SUBSCRIBE", symbol)
	}
	if hasLast {
		m.deliver(handler, symbol, lastPrice)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(symbol, id) })
	}
}

func (m *Mux) unsubscribe(symbol string, id int) {
	m.mu.Lock()
	if _, ok := m.handlers[symbol][id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handlers[symbol], id)
	m.refs[symbol]--
	gone := m.refs[symbol] <= 0
	if gone {
		delete(m.refs, symbol)
		delete(m.handlers, symbol)
		delete(m.last, symbol)
	}
	empty := len(m.refs) == 0
	cancel := m.runCancel
	var conn *websocket.Conn
	if empty {
		m.runCancel = nil
		conn = m.conn
	}
	m.mu.Unlock()

	if gone {
		m.sendControl("UNSUBSCRIBE", symbol)
	}
	if empty && cancel != nil {
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// LastPrice returns the most recent cached price for a symbol.
func (m *Mux) LastPrice(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.last[symbol]
	return p, ok
}

// Close tears down the shared connection regardless of live subscriptions.
func (m *Mux) Close() {
	m.mu.Lock()
	cancel, done := m.runCancel, m.done
	m.runCancel = nil
	conn := m.conn
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (m *Mux) run(ctx context.Context) {
	defer close(m.done)

	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		empty := len(m.refs) == 0
		m.mu.Unlock()
		if empty {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
		if err != nil {
			m.log.WithError(err).Warn("Market data dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ReconnectDelay):
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.resubscribeAll()

		m.readLoop(conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

func (m *Mux) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.log.WithError(err).Debug("Market data read ended")
			return
		}

		var tick tickFrame
		if err := json.Unmarshal(data, &tick); err != nil || tick.Data.Symbol == "" {
			continue // control acks and malformed frames
		}
		price, err := parsePrice(tick.Data.Price)
		if err != nil {
			m.log.WithField("symbol", tick.Data.Symbol).Warn("Dropping unparseable tick")
			continue
		}

		m.mu.Lock()
		m.last[tick.Data.Symbol] = price
		hs := make([]Handler, 0, len(m.handlers[tick.Data.Symbol]))
		for _, h := range m.handlers[tick.Data.Symbol] {
			hs = append(hs, h)
		}
		m.mu.Unlock()

		for _, h := range hs {
			m.deliver(h, tick.Data.Symbol, price)
		}
	}
}

func (m *Mux) resubscribeAll() {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.refs))
	for s := range m.refs {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()
	for _, s := range symbols {
		m.sendControl("SUBSCRIBE", s)
	}
}

func (m *Mux) sendControl(method, symbol string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return // replayed by resubscribeAll once connected
	}

	req := streamRequest{
		Method: method,
		Params: []string{streamName(symbol)},
		ID:     m.msgID.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.log.WithError(err).WithField("symbol", symbol).Warn("Stream control write failed")
	}
}

func (m *Mux) deliver(h Handler, symbol string, price float64) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Price handler panicked")
		}
	}()
	h(symbol, price)
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@markPrice"
}

func parsePrice(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
