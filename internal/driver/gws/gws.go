// Package gws is the default Upstream Driver implementation: a single
// gorilla/websocket session multiplexing chart subscriptions as JSON
// commands/frames, shaped after kalshi's connection.Client (dial, read
// loop, ping reply, write serialization).
package gws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/bar-broker/internal/barmodel"
	"github.com/rickgao/bar-broker/internal/driver"
)

// Client dials a single upstream session per Connect call.
type Client struct {
	url      string
	proxyURL string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClient builds a Client for the given websocket URL.
func NewClient(wsURL string, cfg driver.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 10 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{url: wsURL, proxyURL: cfg.ProxyURL, timeout: timeout, logger: logger}
}

// Connect dials the upstream session.
func (c *Client) Connect(ctx context.Context) (driver.Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	if c.proxyURL != "" {
		proxy, err := url.Parse(c.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	s := &session{
		conn:    conn,
		charts:  make(map[int64]*chart),
		logger:  c.logger,
		done:    make(chan struct{}),
	}
	s.connected.Store(true)

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.readLoop()

	return s, nil
}

// wireFrame is the envelope every chart-tagged update arrives wrapped in.
type wireFrame struct {
	ChartID int64            `json:"chart_id"`
	Type    string           `json:"type"` // "update", "symbol_loaded", "error"
	Periods []barmodel.Period `json:"periods,omitempty"`
	Message string           `json:"message,omitempty"`
}

type session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	connected atomic.Bool

	mu     sync.Mutex
	charts map[int64]*chart
	nextID int64

	writeMu sync.Mutex

	disconnectMu sync.Mutex
	onDisconnect func(error)

	done     chan struct{}
	closeOne sync.Once
}

func (s *session) Connected() bool { return s.connected.Load() }

func (s *session) OnDisconnect(cb func(error)) {
	s.disconnectMu.Lock()
	s.onDisconnect = cb
	s.disconnectMu.Unlock()
}

func (s *session) fireDisconnect(err error) {
	s.disconnectMu.Lock()
	cb := s.onDisconnect
	s.disconnectMu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (s *session) Chart() (driver.Chart, error) {
	if !s.Connected() {
		return nil, fmt.Errorf("gws: session not connected")
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := &chart{id: id, session: s}
	s.charts[id] = ch
	s.mu.Unlock()

	return ch, nil
}

func (s *session) Close() error {
	var err error
	s.closeOne.Do(func() {
		s.connected.Store(false)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) readLoop() {
	defer func() {
		s.connected.Store(false)
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Explicit Close, not an unexpected drop: no disconnect callback.
				return
			default:
			}
			s.logger.Warn("gws: upstream read error", "error", err)
			s.connected.Store(false)
			s.broadcastError(err)
			s.fireDisconnect(err)
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("gws: malformed upstream frame", "error", err)
			continue
		}

		s.mu.Lock()
		ch, ok := s.charts[frame.ChartID]
		s.mu.Unlock()
		if !ok {
			continue
		}

		switch frame.Type {
		case "update":
			ch.setPeriods(frame.Periods)
			ch.fireUpdate()
		case "symbol_loaded":
			ch.fireSymbolLoaded()
		case "error":
			ch.fireError(frame.Message)
		}
	}
}

func (s *session) broadcastError(err error) {
	s.mu.Lock()
	charts := make([]*chart, 0, len(s.charts))
	for _, ch := range s.charts {
		charts = append(charts, ch)
	}
	s.mu.Unlock()
	for _, ch := range charts {
		ch.fireError(err.Error())
	}
}

func (s *session) deleteChart(id int64) {
	s.mu.Lock()
	delete(s.charts, id)
	s.mu.Unlock()
}

type chart struct {
	id      int64
	session *session

	mu      sync.RWMutex
	periods []barmodel.Period

	onUpdate       func()
	onError        func(args ...any)
	onSymbolLoaded func()

	deleted atomic.Bool
}

func (c *chart) SetMarket(symbol, timeframe string) error {
	return c.session.send(struct {
		Type      string `json:"type"`
		ChartID   int64  `json:"chart_id"`
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
	}{Type: "set_market", ChartID: c.id, Symbol: symbol, Timeframe: timeframe})
}

func (c *chart) OnUpdate(cb func()) {
	c.mu.Lock()
	c.onUpdate = cb
	c.mu.Unlock()
}

func (c *chart) OnError(cb func(args ...any)) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

func (c *chart) OnSymbolLoaded(cb func()) {
	c.mu.Lock()
	c.onSymbolLoaded = cb
	c.mu.Unlock()
}

func (c *chart) Periods() []barmodel.Period {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.periods
}

func (c *chart) Delete() error {
	if !c.deleted.CompareAndSwap(false, true) {
		return nil
	}
	c.session.deleteChart(c.id)
	return c.session.send(struct {
		Type    string `json:"type"`
		ChartID int64  `json:"chart_id"`
	}{Type: "delete_chart", ChartID: c.id})
}

func (c *chart) setPeriods(p []barmodel.Period) {
	c.mu.Lock()
	c.periods = p
	c.mu.Unlock()
}

func (c *chart) fireUpdate() {
	c.mu.RLock()
	cb := c.onUpdate
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *chart) fireSymbolLoaded() {
	c.mu.RLock()
	cb := c.onSymbolLoaded
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *chart) fireError(msg string) {
	c.mu.RLock()
	cb := c.onError
	c.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}
