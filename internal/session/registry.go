// Package session implements the Client Session Registry & wire protocol
// (spec §4.2): it accepts WebSocket client connections, tracks each
// session's interest set, maintains the global InterestIndex, and
// translates 0↔1 interest transitions into Multiplexer calls.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/subkey"
)

// Mux is the slice of Multiplexer behavior the registry depends on.
type Mux interface {
	Subscribe(key subkey.Key, reason string) bool
	Unsubscribe(symbol, timeframe string) bool
	List() []subkey.Key
}

// Metrics is the slice of the metrics registry the session front needs.
type Metrics interface {
	IncWSConnects()
	IncWSErrors()
	IncWSClientDrops()
}

// Config holds Client Session Registry tunables.
type Config struct {
	OutboxCapacity int // per-client bounded outbox size before drop-oldest kicks in
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{OutboxCapacity: 256}
}

// ClientSession is one connected downstream client (spec §3 ClientSession).
type ClientSession struct {
	ID string

	registry *Registry
	conn     *websocket.Conn
	out      *outbox

	mu       sync.Mutex
	interest map[subkey.Key]bool
	wakeup   chan struct{}
}

// Registry owns the InterestIndex and the set of live client sessions.
type Registry struct {
	cfg     Config
	mux     Mux
	metrics Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	interest map[subkey.Key]map[*ClientSession]bool
	sessions map[*ClientSession]bool
}

// New builds a Registry. mux is a non-owning reference (spec §9).
func New(cfg Config, mux Mux, metrics Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		mux:      mux,
		metrics:  metrics,
		logger:   logger,
		interest: make(map[subkey.Key]map[*ClientSession]bool),
		sessions: make(map[*ClientSession]bool),
	}
}

// HandleConn runs the lifetime of one accepted WebSocket connection: sends
// the unsolicited info frame, then reads and dispatches request frames
// until the connection closes, cleaning up interest on exit. Blocks until
// the connection is done; callers should invoke it in its own goroutine.
func (r *Registry) HandleConn(ctx context.Context, conn *websocket.Conn) {
	cs := &ClientSession{
		ID:       uuid.NewString(),
		registry: r,
		conn:     conn,
		out:      newOutbox(r.cfg.OutboxCapacity),
		interest: make(map[subkey.Key]bool),
	}

	r.mu.Lock()
	r.sessions[cs] = true
	r.mu.Unlock()
	r.metrics.IncWSConnects()
	r.logger.Info("client connected", zap.String("session_id", cs.ID))

	writeCtx, cancelWrite := context.WithCancel(ctx)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		cs.writeLoop(writeCtx)
	}()

	cs.send(response{Type: "info", Success: true, Message: infoMessage})

	cs.readLoop(ctx)

	r.disconnect(cs)
	cs.out.close()
	cancelWrite()
	<-writeDone
}

func (cs *ClientSession) readLoop(ctx context.Context) {
	for {
		_, data, err := cs.conn.Read(ctx)
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			cs.send(response{Type: "error", Success: false, Message: "Invalid JSON message"})
			continue
		}

		cs.registry.dispatch(cs, req)
	}
}

func (cs *ClientSession) writeLoop(ctx context.Context) {
	// The outbox absorbs bursts; this loop just drains it as frames become
	// available, writing to the transport one at a time to preserve
	// per-session frame order (spec §5).
	notify := make(chan struct{}, 1)
	cs.mu.Lock()
	cs.wakeup = notify
	cs.mu.Unlock()

	for {
		for _, frame := range cs.out.drain() {
			if err := cs.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
		}
	}
}

// send enqueues a JSON-encoded response onto the session's outbox and
// wakes the write loop.
func (cs *ClientSession) send(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if _, evicted := cs.out.push(data); evicted {
		cs.registry.metrics.IncWSClientDrops()
	}
	cs.mu.Lock()
	wakeup := cs.wakeup
	cs.mu.Unlock()
	if wakeup != nil {
		select {
		case wakeup <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) dispatch(cs *ClientSession, req request) {
	switch req.Action {
	case "subscribe":
		r.handleSubscribe(cs, req)
	case "unsubscribe":
		r.handleUnsubscribe(cs, req)
	case "subscribe_many":
		r.handleSubscribeMany(cs, req)
	case "unsubscribe_many":
		r.handleUnsubscribeMany(cs, req)
	case "list":
		r.handleList(cs, req)
	default:
		cs.send(response{Type: "error", Success: false, RequestID: req.RequestID,
			Message: "Unknown action: " + req.Action})
	}
}

func (r *Registry) handleSubscribe(cs *ClientSession, req request) {
	if req.Symbol == "" || req.Timeframe == "" {
		cs.send(response{Type: "subscribe", Success: false, RequestID: req.RequestID,
			Message: "symbol and timeframe required"})
		return
	}

	msg, ok := r.addInterest(cs, req.Symbol, req.Timeframe)
	cs.send(response{
		Type: "subscribe", Success: ok, RequestID: req.RequestID,
		Symbol: req.Symbol, Timeframe: req.Timeframe, Message: msg,
	})
}

func (r *Registry) handleUnsubscribe(cs *ClientSession, req request) {
	ok, msg := r.removeInterest(cs, req.Symbol, req.Timeframe)
	cs.send(response{
		Type: "unsubscribe", Success: ok, RequestID: req.RequestID,
		Symbol: req.Symbol, Timeframe: req.Timeframe, Message: msg,
	})
}

func (r *Registry) handleSubscribeMany(cs *ClientSession, req request) {
	results := make([]pairResult, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		if p.Symbol == "" || p.Timeframe == "" {
			results = append(results, pairResult{Symbol: p.Symbol, Timeframe: p.Timeframe,
				Success: false, Message: "symbol and timeframe required"})
			continue
		}
		msg, ok := r.addInterest(cs, p.Symbol, p.Timeframe)
		results = append(results, pairResult{Symbol: p.Symbol, Timeframe: p.Timeframe, Success: ok, Message: msg})
	}
	cs.send(response{
		Type: "subscribe_many", Success: true, RequestID: req.RequestID,
		Results: results, Subscriptions: keysToPairViews(r.mux.List()),
	})
}

func (r *Registry) handleUnsubscribeMany(cs *ClientSession, req request) {
	results := make([]pairResult, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		ok, msg := r.removeInterest(cs, p.Symbol, p.Timeframe)
		results = append(results, pairResult{Symbol: p.Symbol, Timeframe: p.Timeframe, Success: ok, Message: msg})
	}
	cs.send(response{
		Type: "unsubscribe_many", Success: true, RequestID: req.RequestID,
		Results: results, Subscriptions: keysToPairViews(r.mux.List()),
	})
}

func (r *Registry) handleList(cs *ClientSession, req request) {
	cs.send(response{
		Type: "list", Success: true, RequestID: req.RequestID,
		Subscriptions: keysToPairViews(r.mux.List()),
	})
}

// addInterest records symbol/timeframe interest for cs and, on a global
// 0→1 transition, asks the Multiplexer to subscribe. Returns the response
// message and whether the operation succeeded.
func (r *Registry) addInterest(cs *ClientSession, symbol, timeframe string) (string, bool) {
	key := subkey.New(symbol, timeframe)

	cs.mu.Lock()
	already := cs.interest[key]
	if !already {
		cs.interest[key] = true
	}
	cs.mu.Unlock()

	if already {
		return "Already subscribed", true
	}

	r.mu.Lock()
	set, exists := r.interest[key]
	if !exists {
		set = make(map[*ClientSession]bool)
		r.interest[key] = set
	}
	firstListener := len(set) == 0
	set[cs] = true
	r.mu.Unlock()

	if firstListener {
		if !r.mux.Subscribe(key, "client") {
			r.mu.Lock()
			delete(set, cs)
			if len(set) == 0 {
				delete(r.interest, key)
			}
			r.mu.Unlock()
			cs.mu.Lock()
			delete(cs.interest, key)
			cs.mu.Unlock()
			return "Failed to subscribe upstream", false
		}
		return "Subscription created", true
	}
	return "Subscribed (shared)", true
}

// removeInterest removes symbol/timeframe interest for cs and, on a
// global N→0 transition, asks the Multiplexer to unsubscribe.
func (r *Registry) removeInterest(cs *ClientSession, symbol, timeframe string) (bool, string) {
	key := subkey.Key{Symbol: symbol, Timeframe: subkey.Normalize(timeframe)}

	cs.mu.Lock()
	present := cs.interest[key]
	delete(cs.interest, key)
	cs.mu.Unlock()

	if !present {
		return false, "Subscription not found for this client"
	}

	r.mu.Lock()
	set, exists := r.interest[key]
	lastListener := false
	if exists {
		delete(set, cs)
		if len(set) == 0 {
			delete(r.interest, key)
			lastListener = true
		}
	}
	r.mu.Unlock()

	if lastListener {
		r.mux.Unsubscribe(key.Symbol, key.Timeframe)
	}
	return true, "Unsubscribed successfully"
}

// disconnect removes cs from every InterestIndex entry it appeared in,
// tearing down any key whose global interest becomes empty (spec §4.2
// Disconnect / invariant I4).
func (r *Registry) disconnect(cs *ClientSession) {
	r.mu.Lock()
	delete(r.sessions, cs)

	cs.mu.Lock()
	keys := make([]subkey.Key, 0, len(cs.interest))
	for k := range cs.interest {
		keys = append(keys, k)
	}
	cs.mu.Unlock()

	var toTeardown []subkey.Key
	for _, k := range keys {
		set, ok := r.interest[k]
		if !ok {
			continue
		}
		delete(set, cs)
		if len(set) == 0 {
			delete(r.interest, k)
			toTeardown = append(toTeardown, k)
		}
	}
	r.mu.Unlock()

	for _, k := range toTeardown {
		r.mux.Unsubscribe(k.Symbol, k.Timeframe)
		r.logger.Info("auto-unsubscribed (last client disconnected)",
			zap.String("symbol", k.Symbol), zap.String("timeframe", k.Timeframe))
	}
	r.logger.Info("client disconnected", zap.String("session_id", cs.ID))
}

// Broadcast delivers a bar frame to every connected session interested in
// its key (spec §4.4). Failure to deliver to one client never affects
// others (swallowed per §7 downstream-write-failure policy).
func (r *Registry) Broadcast(key subkey.Key, bar BarView) {
	data, err := json.Marshal(response{Type: "bar", Success: true, Bar: &bar})
	if err != nil {
		return
	}

	r.mu.Lock()
	set := r.interest[key]
	targets := make([]*ClientSession, 0, len(set))
	for cs := range set {
		targets = append(targets, cs)
	}
	r.mu.Unlock()

	for _, cs := range targets {
		if _, evicted := cs.out.push(data); evicted {
			r.metrics.IncWSClientDrops()
		}
		cs.mu.Lock()
		wakeup := cs.wakeup
		cs.mu.Unlock()
		if wakeup != nil {
			select {
			case wakeup <- struct{}{}:
			default:
			}
		}
	}
}

// SessionCount reports the number of currently connected clients.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
