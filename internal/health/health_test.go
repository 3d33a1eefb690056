package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/bar-broker/internal/driver/faketest"
	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/subkey"
)

type fakeMetrics struct {
	mu                   sync.Mutex
	staleSubs            int
	recoveryAttempts     int
	successfulRecoveries int
	failedRecoveries     int
	fullReconnects       int
}

func (f *fakeMetrics) SetLastDataReceivedSeconds(symbol, timeframe string, seconds float64) {}

func (f *fakeMetrics) SetStaleSubscriptions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleSubs = n
}

func (f *fakeMetrics) IncRecoveryAttempts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveryAttempts++
}

func (f *fakeMetrics) IncSuccessfulRecoveries() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successfulRecoveries++
}

func (f *fakeMetrics) IncFailedRecoveries() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedRecoveries++
}

func (f *fakeMetrics) IncFullReconnects() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullReconnects++
}

func (f *fakeMetrics) get() (stale, attempts, success, failed, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staleSubs, f.recoveryAttempts, f.successfulRecoveries, f.failedRecoveries, f.fullReconnects
}

type muxMetrics struct{}

func (muxMetrics) SetActiveSubscriptions(n int) {}

// fakeClock lets tests advance the Health Monitor's notion of "now" without
// sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

func newTestSetup(t *testing.T) (*multiplexer.Multiplexer, *faketest.Driver, *Monitor, *fakeMetrics, *fakeClock) {
	t.Helper()
	d := faketest.New()
	mux := multiplexer.New(multiplexer.DefaultConfig(), d, muxMetrics{}, nil)
	if err := mux.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { mux.Close() })

	clock := &fakeClock{}
	hm := &fakeMetrics{}
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour // scan driven manually via m.scan() in tests
	cfg.RecoverySettleDelay = time.Millisecond

	monitor := New(cfg, mux, hm, nil)
	monitor.nowFn = clock.Now

	return mux, d, monitor, hm, clock
}

func TestScanMarksFreshSubscriptionNotStale(t *testing.T) {
	mux, _, monitor, hm, _ := newTestSetup(t)
	key := subkey.New("BINANCE:BTCUSDT", "1")
	mux.Subscribe(key, "client")

	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: key})
	monitor.scan()

	stale, _, _, _, _ := hm.get()
	if stale != 0 {
		t.Errorf("stale = %d, want 0 for a fresh subscription", stale)
	}
}

func TestScanRecoversStaleSubscription(t *testing.T) {
	mux, d, monitor, hm, clock := newTestSetup(t)
	key := subkey.New("BINANCE:BTCUSDT", "1") // 1-minute timeframe, 60000ms

	mux.Subscribe(key, "client")
	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: key})

	// Staleness threshold is 3x the timeframe (60000ms) = 180000ms.
	clock.Advance(200_000)
	monitor.scan()

	stale, attempts, success, _, _ := hm.get()
	if stale != 1 {
		t.Fatalf("stale = %d, want 1", stale)
	}
	if attempts != 1 {
		t.Errorf("recoveryAttempts = %d, want 1", attempts)
	}
	if success != 1 {
		t.Errorf("successfulRecoveries = %d, want 1", success)
	}
	if got := d.ChartsDeleted(); got != 1 {
		t.Errorf("ChartsDeleted = %d, want 1 (unsubscribe during recovery)", got)
	}
	if got := d.ChartsCreated(); got != 2 {
		t.Errorf("ChartsCreated = %d, want 2 (original + resubscribe)", got)
	}
}

func TestScanTriggersFullReconnectAtThreshold(t *testing.T) {
	mux, d, monitor, hm, clock := newTestSetup(t)
	monitor.cfg.FullReconnectThreshold = 2

	keyA := subkey.New("A", "1")
	keyB := subkey.New("B", "1")
	mux.Subscribe(keyA, "client")
	mux.Subscribe(keyB, "client")
	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: keyA})
	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: keyB})

	clock.Advance(200_000)
	monitor.scan()

	_, _, _, _, reconnects := hm.get()
	if reconnects != 1 {
		t.Fatalf("fullReconnects = %d, want 1", reconnects)
	}
	if got := d.ConnectCount(); got != 2 {
		t.Errorf("ConnectCount = %d, want 2 (initial + full reconnect)", got)
	}
	keys := mux.List()
	if len(keys) != 2 {
		t.Errorf("expected both subscriptions restored after full reconnect, got %d", len(keys))
	}
}

func TestFullReconnectCooldownPreventsImmediateRetrigger(t *testing.T) {
	mux, d, monitor, hm, clock := newTestSetup(t)
	monitor.cfg.FullReconnectThreshold = 1
	monitor.cfg.FullReconnectCooldown = time.Hour

	key := subkey.New("A", "1")
	mux.Subscribe(key, "client")
	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: key})

	clock.Advance(200_000)
	monitor.scan()
	_, _, _, _, reconnects := hm.get()
	if reconnects != 1 {
		t.Fatalf("expected first scan to trigger a full reconnect, got %d", reconnects)
	}

	connectCountAfterFirst := d.ConnectCount()

	clock.Advance(200_000)
	monitor.scan()
	_, _, _, _, reconnects = hm.get()
	if reconnects != 1 {
		t.Errorf("expected cooldown to suppress a second full reconnect, got %d total", reconnects)
	}
	if got := d.ConnectCount(); got != connectCountAfterFirst {
		t.Errorf("ConnectCount changed during cooldown: %d -> %d", connectCountAfterFirst, got)
	}
}

func TestMaxRecoveryAttemptsStopsRetrying(t *testing.T) {
	mux, _, monitor, hm, clock := newTestSetup(t)
	monitor.cfg.MaxRecoveryAttempts = 1
	key := subkey.New("A", "1")
	mux.Subscribe(key, "client")
	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventSubscribed, Key: key})

	clock.Advance(200_000)
	monitor.scan() // consumes the single allowed attempt

	monitor.recoverOne(key) // simulate a second stale scan directly
	_, attempts, _, _, _ := hm.get()
	if attempts != 1 {
		t.Errorf("recoveryAttempts = %d, want 1 (second attempt should be suppressed)", attempts)
	}
}

func TestBarEventClearsRecoveryAttempts(t *testing.T) {
	_, _, monitor, _, _ := newTestSetup(t)
	key := subkey.New("A", "1")
	monitor.recoveryAttempts[key] = 2

	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventBar, Key: key})

	if got := monitor.recoveryAttempts[key]; got != 0 {
		t.Errorf("recoveryAttempts after bar event = %d, want cleared (0 entries)", got)
	}
}

func TestDisconnectPreservesTimestamps(t *testing.T) {
	_, _, monitor, _, clock := newTestSetup(t)
	key := subkey.New("A", "1")
	monitor.lastBarTs[key] = 12345
	clock.Advance(999)

	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventDisconnect})

	if got := monitor.lastBarTs[key]; got != 12345 {
		t.Errorf("lastBarTs after disconnect = %d, want preserved at 12345", got)
	}
}

func TestConnectEventResetsTimestamps(t *testing.T) {
	_, _, monitor, _, clock := newTestSetup(t)
	key := subkey.New("A", "1")
	monitor.lastBarTs[key] = 0
	monitor.recoveryAttempts[key] = 5
	clock.Advance(5000)

	monitor.handleEvent(multiplexer.Event{Kind: multiplexer.EventConnect})

	if got := monitor.lastBarTs[key]; got != 5000 {
		t.Errorf("lastBarTs after connect = %d, want reset to now (5000)", got)
	}
	if _, ok := monitor.recoveryAttempts[key]; ok {
		t.Error("expected recovery attempts to be cleared on connect")
	}
}

func TestStartStopDetachesListener(t *testing.T) {
	mux, _, monitor, _, _ := newTestSetup(t)
	monitor.Start(context.Background())
	monitor.Stop()

	// After Stop, further events on the multiplexer must not reach the
	// monitor's handler: a subscribed event would record a timestamp.
	key := subkey.New("A", "1")
	mux.Subscribe(key, "client")
	if _, ok := monitor.lastBarTs[key]; ok {
		t.Error("subscribed event reached the monitor after Stop; listener not detached")
	}
}
