// Package multiplexer implements the Subscription Multiplexer (spec §4.1):
// the canonical key -> UpstreamSubscription map, reference-counted across
// every downstream client by the session registry, and the reconnect
// machinery that keeps the upstream session alive.
package multiplexer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/bar-broker/internal/barmodel"
	"github.com/rickgao/bar-broker/internal/driver"
	"github.com/rickgao/bar-broker/internal/subkey"
)

// Metrics is the narrow slice of the metrics registry the multiplexer
// needs, kept as an interface to avoid an import cycle with
// internal/metrics.
type Metrics interface {
	SetActiveSubscriptions(n int)
}

// Config holds multiplexer tunables, all overridable (spec §4.1).
type Config struct {
	Backoff     BackoffConfig
	SettleDelay time.Duration // delay between close and re-open during fullReconnect (recommended 2s)
	Pinned      []subkey.Key  // config-pinned keys (I1): subscriptions kept alive even with no client interest
}

// DefaultConfig returns the spec's recommended values.
func DefaultConfig() Config {
	return Config{
		Backoff:     DefaultBackoff(),
		SettleDelay: 2 * time.Second,
	}
}

type record struct {
	key             subkey.Key
	chart           driver.Chart
	lastBarTimeUnix int64
	subscribedAt    time.Time
}

// Multiplexer owns the canonical upstream subscription set.
type Multiplexer struct {
	cfg     Config
	client  driver.Client
	metrics Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	session driver.Session
	subs    map[subkey.Key]*record
	pinned  map[subkey.Key]bool

	sf singleflight.Group

	listenersMu sync.Mutex
	listeners   listenerSet

	connected bool

	reconnectMu sync.Mutex
	attempt     int
	reconnectWg sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	rng *rand.Rand
}

// New builds a Multiplexer. The client is the Upstream Driver contract
// (spec §6); it is never reimplemented here, only consumed.
func New(cfg Config, client driver.Client, metrics Metrics, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	pinned := make(map[subkey.Key]bool, len(cfg.Pinned))
	for _, k := range cfg.Pinned {
		pinned[k] = true
	}
	return &Multiplexer{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[subkey.Key]*record),
		pinned:  pinned,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// On registers a listener for every emitted event and returns a token that
// Off can later use to detach it.
func (m *Multiplexer) On(l Listener) int {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return m.listeners.add(l)
}

// Off detaches a previously registered listener.
func (m *Multiplexer) Off(token int) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners.remove(token)
}

func (m *Multiplexer) emit(ev Event) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners.emit(ev)
}

// Connect opens the upstream session explicitly. This is the only call
// that resets the reconnect backoff counter (spec §9).
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	sess, err := m.client.Connect(m.ctx)
	if err != nil {
		m.emit(Event{Kind: EventError, Err: fmt.Errorf("connect: %w", err)})
		return err
	}

	m.reconnectMu.Lock()
	m.attempt = 0
	m.reconnectMu.Unlock()

	m.mu.Lock()
	m.session = sess
	m.connected = true
	m.mu.Unlock()

	sess.OnDisconnect(m.handleDisconnect)

	m.logger.Info("upstream connected")
	m.emit(Event{Kind: EventConnect})

	if len(m.cfg.Pinned) > 0 {
		for k := range m.pinned {
			m.Subscribe(k, "config_pinned")
		}
	}

	return nil
}

// handleDisconnect is invoked by the driver session when it drops
// unexpectedly. It never resets the backoff attempt counter (only an
// explicit Connect does).
func (m *Multiplexer) handleDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	m.logger.Warn("upstream disconnected", zap.Error(err))
	m.emit(Event{Kind: EventDisconnect, Err: err})

	m.reconnectWg.Add(1)
	go m.reconnectLoop()
}

func (m *Multiplexer) reconnectLoop() {
	defer m.reconnectWg.Done()

	for {
		m.reconnectMu.Lock()
		m.attempt++
		n := m.attempt
		m.reconnectMu.Unlock()

		if n > m.cfg.Backoff.MaxAttempts {
			m.logger.Error("max reconnect attempts exhausted")
			m.emit(Event{Kind: EventMaxReconnectAttempts, Attempt: n - 1})
			return
		}

		wait := m.cfg.Backoff.delay(n, m.rng)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}

		sess, err := m.client.Connect(m.ctx)
		if err != nil {
			m.logger.Warn("reconnect attempt failed", zap.Int("attempt", n), zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.session = sess
		m.connected = true
		snapshot := m.snapshotKeysLocked()
		m.mu.Unlock()

		sess.OnDisconnect(m.handleDisconnect)

		m.logger.Info("upstream reconnected", zap.Int("attempt", n))
		m.emit(Event{Kind: EventConnect})

		m.updateSubscriptions(snapshot, "reconnect_recovered")
		return
	}
}

func (m *Multiplexer) snapshotKeysLocked() []subkey.Key {
	keys := make([]subkey.Key, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe creates the upstream chart for key if one doesn't already
// exist. Returns true if a subscription exists for key by the time it
// returns (whether newly created or pre-existing), false on failure.
func (m *Multiplexer) Subscribe(key subkey.Key, reason string) bool {
	if m.hasSub(key) {
		return true
	}

	v, _, _ := m.sf.Do(key.String(), func() (any, error) {
		return m.doSubscribe(key, reason), nil
	})
	return v.(bool)
}

func (m *Multiplexer) hasSub(key subkey.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

func (m *Multiplexer) doSubscribe(key subkey.Key, reason string) bool {
	// Re-check under the singleflight key: another caller may have just
	// finished creating this subscription while we waited to be scheduled.
	if m.hasSub(key) {
		return true
	}

	m.mu.Lock()
	sess := m.session
	connected := m.connected
	m.mu.Unlock()

	if !connected || sess == nil {
		m.logger.Warn("subscribe failed: upstream not connected", zap.String("key", key.String()))
		m.emit(Event{Kind: EventSubscriptionError, Key: key, Err: fmt.Errorf("upstream not connected")})
		return false
	}

	chart, err := sess.Chart()
	if err != nil {
		m.logger.Warn("subscribe failed: chart creation", zap.String("key", key.String()), zap.Error(err))
		m.emit(Event{Kind: EventSubscriptionError, Key: key, Err: err})
		return false
	}

	chart.OnUpdate(func() { m.handleChartUpdate(key, chart) })
	chart.OnError(func(args ...any) {
		m.logger.Warn("chart error", zap.String("key", key.String()), zap.Any("args", args))
		m.emit(Event{Kind: EventError, Key: key, Err: fmt.Errorf("chart error: %v", args)})
	})
	chart.OnSymbolLoaded(func() {
		m.logger.Debug("symbol loaded", zap.String("key", key.String()))
	})

	if err := chart.SetMarket(key.Symbol, key.Timeframe); err != nil {
		m.logger.Warn("subscribe failed: set market", zap.String("key", key.String()), zap.Error(err))
		chart.Delete()
		m.emit(Event{Kind: EventSubscriptionError, Key: key, Err: err})
		return false
	}

	m.mu.Lock()
	if _, exists := m.subs[key]; exists {
		// Lost a race despite singleflight (e.g. reconnect snapshot vs. a
		// client subscribe interleaving); tear down the redundant chart.
		m.mu.Unlock()
		chart.Delete()
		return true
	}
	m.subs[key] = &record{key: key, chart: chart, subscribedAt: time.Now()}
	count := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetActiveSubscriptions(count)
	m.logger.Info("subscribed", zap.String("key", key.String()), zap.String("reason", reason))
	m.emit(Event{Kind: EventSubscribed, Key: key})
	return true
}

func (m *Multiplexer) handleChartUpdate(key subkey.Key, chart driver.Chart) {
	periods := chart.Periods()
	if len(periods) == 0 {
		return
	}
	bar := periods[0].ToBar(key)

	m.mu.Lock()
	rec, ok := m.subs[key]
	if ok && bar.Time > rec.lastBarTimeUnix {
		rec.lastBarTimeUnix = bar.Time // I5: last-bar-time is monotonically non-decreasing.
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.emit(Event{Kind: EventBar, Key: key, Bar: BarPayload{
		Symbol: bar.Symbol, Timeframe: bar.Timeframe, Time: bar.Time,
		Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close, Volume: bar.Volume,
	}})
}

// Unsubscribe tears down the upstream chart for (symbol, timeframe).
// Returns false if no subscription exists.
func (m *Multiplexer) Unsubscribe(symbol, timeframe string) bool {
	key := subkey.Key{Symbol: symbol, Timeframe: subkey.Normalize(timeframe)}
	return m.unsubscribeKey(key)
}

func (m *Multiplexer) unsubscribeKey(key subkey.Key) bool {
	m.mu.Lock()
	rec, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("unsubscribe: no such subscription", zap.String("key", key.String()))
		return false
	}
	delete(m.subs, key)
	count := len(m.subs)
	m.mu.Unlock()

	if err := rec.chart.Delete(); err != nil {
		m.logger.Warn("chart teardown error (ignored)", zap.String("key", key.String()), zap.Error(err))
	}

	m.metrics.SetActiveSubscriptions(count)
	m.logger.Info("unsubscribed", zap.String("key", key.String()))
	m.emit(Event{Kind: EventUnsubscribed, Key: key})
	return true
}

// List returns a snapshot of all currently subscribed keys.
func (m *Multiplexer) List() []subkey.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotKeysLocked()
}

// Stats summarizes multiplexer state for the health HTTP API.
type Stats struct {
	ActiveSubscriptions int
	Connected           bool
}

func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{ActiveSubscriptions: len(m.subs), Connected: m.connected}
}

// updateSubscriptions computes the difference between the desired key set
// and the currently active one: removed keys are unsubscribed first, then
// added keys are subscribed, to avoid driver-side collisions if a symbol is
// re-keyed within one call (spec §4.1).
func (m *Multiplexer) updateSubscriptions(desired []subkey.Key, reason string) {
	desiredSet := make(map[subkey.Key]bool, len(desired))
	for _, k := range desired {
		desiredSet[k] = true
	}

	m.mu.Lock()
	var removed []subkey.Key
	for k := range m.subs {
		if !desiredSet[k] {
			removed = append(removed, k)
		}
	}
	var added []subkey.Key
	for k := range desiredSet {
		if _, ok := m.subs[k]; !ok {
			added = append(added, k)
		}
	}
	m.mu.Unlock()

	for _, k := range removed {
		m.unsubscribeKey(k)
	}
	for _, k := range added {
		m.Subscribe(k, reason)
	}

	restored := 0
	if reason == "full_reconnect" || reason == "reconnect_recovered" {
		restored = len(added)
	}
	m.logger.Info("subscriptions updated",
		zap.Int("removed", len(removed)),
		zap.Int("added", len(added)),
		zap.Int("restored", restored),
		zap.String("reason", reason),
	)
}

// UpdateSubscriptions is the exported form used by callers outside the
// package (e.g. an operator-driven resync).
func (m *Multiplexer) UpdateSubscriptions(desired []subkey.Key, reason string) {
	m.updateSubscriptions(desired, reason)
}

// ResetAll tears down every chart best-effort and clears the map.
func (m *Multiplexer) ResetAll() {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.subs))
	for _, r := range m.subs {
		recs = append(recs, r)
	}
	m.subs = make(map[subkey.Key]*record)
	m.mu.Unlock()

	for _, r := range recs {
		if err := r.chart.Delete(); err != nil {
			m.logger.Warn("resetAll: chart teardown error (ignored)", zap.String("key", r.key.String()), zap.Error(err))
		}
	}
	m.metrics.SetActiveSubscriptions(0)
}

// FullReconnect snapshots current keys, closes the session, waits the
// settle delay, re-opens it, and re-applies the snapshot. Never touches the
// backoff attempt counter (spec §9).
func (m *Multiplexer) FullReconnect(ctx context.Context) bool {
	m.mu.Lock()
	snapshot := m.snapshotKeysLocked()
	sess := m.session
	m.mu.Unlock()

	m.logger.Info("full reconnect starting", zap.Int("subscriptions", len(snapshot)))

	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Warn("full reconnect: close error (ignored)", zap.Error(err))
		}
	}

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		return false
	}

	newSess, err := m.client.Connect(ctx)
	if err != nil {
		m.logger.Error("full reconnect: re-open failed", zap.Error(err))
		m.emit(Event{Kind: EventError, Err: fmt.Errorf("full reconnect re-open: %w", err)})
		return false
	}

	m.mu.Lock()
	m.session = newSess
	m.connected = true
	m.subs = make(map[subkey.Key]*record)
	m.mu.Unlock()
	m.metrics.SetActiveSubscriptions(0)

	newSess.OnDisconnect(m.handleDisconnect)
	m.emit(Event{Kind: EventConnect})

	m.updateSubscriptions(snapshot, "full_reconnect")
	m.logger.Info("full reconnect complete")
	return true
}

// Close cancels the reconnect watchdog, tears down every chart, clears the
// map, and closes the upstream session.
func (m *Multiplexer) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.reconnectWg.Wait()

	m.ResetAll()

	m.mu.Lock()
	sess := m.session
	m.connected = false
	m.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	m.emit(Event{Kind: EventDisconnect})
	return err
}

// Connected reports the current upstream connection state.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Bar converts a raw provider period to the canonical Bar type for key.
// Exported for callers (e.g. tests) that need the same conversion the
// multiplexer applies internally.
func Bar(key subkey.Key, p barmodel.Period) barmodel.Bar {
	return p.ToBar(key)
}
