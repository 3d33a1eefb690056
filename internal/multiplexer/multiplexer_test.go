package multiplexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/bar-broker/internal/barmodel"
	"github.com/rickgao/bar-broker/internal/driver/faketest"
	"github.com/rickgao/bar-broker/internal/subkey"
)

type fakeMetrics struct {
	mu sync.Mutex
	n  int
}

func (f *fakeMetrics) SetActiveSubscriptions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

func (f *fakeMetrics) get() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func newTestMux(t *testing.T) (*Multiplexer, *faketest.Driver, *fakeMetrics) {
	t.Helper()
	d := faketest.New()
	m := &fakeMetrics{}
	cfg := DefaultConfig()
	mux := New(cfg, d, m, nil)
	if err := mux.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { mux.Close() })
	return mux, d, m
}

func TestSubscribeCreatesOneChart(t *testing.T) {
	mux, d, m := newTestMux(t)
	key := subkey.New("BINANCE:BTCUSDT", "1")

	if ok := mux.Subscribe(key, "client"); !ok {
		t.Fatal("expected subscribe to succeed")
	}
	if got := d.ChartsCreated(); got != 1 {
		t.Errorf("ChartsCreated = %d, want 1", got)
	}
	if got := m.get(); got != 1 {
		t.Errorf("active subscriptions = %d, want 1", got)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	mux, d, _ := newTestMux(t)
	key := subkey.New("BINANCE:BTCUSDT", "1")

	mux.Subscribe(key, "client")
	mux.Subscribe(key, "client")
	mux.Subscribe(key, "client")

	if got := d.ChartsCreated(); got != 1 {
		t.Errorf("ChartsCreated = %d, want 1 (idempotent)", got)
	}
}

func TestUnsubscribeTearsDownChart(t *testing.T) {
	mux, d, m := newTestMux(t)
	key := subkey.New("BINANCE:BTCUSDT", "1")

	mux.Subscribe(key, "client")
	if ok := mux.Unsubscribe(key.Symbol, key.Timeframe); !ok {
		t.Fatal("expected unsubscribe to succeed")
	}
	if got := d.ChartsDeleted(); got != 1 {
		t.Errorf("ChartsDeleted = %d, want 1", got)
	}
	if got := m.get(); got != 0 {
		t.Errorf("active subscriptions = %d, want 0", got)
	}
}

func TestUnsubscribeUnknownKeyFails(t *testing.T) {
	mux, _, _ := newTestMux(t)
	if ok := mux.Unsubscribe("NOPE", "1"); ok {
		t.Error("expected unsubscribe of unknown key to return false")
	}
}

func TestBarEventConvertsMaxMinSynonyms(t *testing.T) {
	mux, d, _ := newTestMux(t)
	key := subkey.New("BINANCE:BTCUSDT", "1")
	mux.Subscribe(key, "client")

	var got BarPayload
	done := make(chan struct{})
	mux.On(func(ev Event) {
		if ev.Kind == EventBar {
			got = ev.Bar
			close(done)
		}
	})

	ch, ok := d.Chart(key.Symbol, key.Timeframe)
	if !ok {
		t.Fatal("expected fake chart to be registered")
	}
	ch.Emit(barmodel.Period{Time: 1700000000, Open: 1, Max: 2, HasMax: true, Min: 0.5, HasMin: true, Close: 1.5, Volume: 10})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bar event")
	}

	if got.High != 2 || got.Low != 0.5 || got.Close != 1.5 || got.Volume != 10 {
		t.Errorf("bar payload = %+v, want high=2 low=0.5 close=1.5 volume=10", got)
	}
}

func TestSubscribeFailsWhenDisconnected(t *testing.T) {
	d := faketest.New()
	m := &fakeMetrics{}
	mux := New(DefaultConfig(), d, m, nil)
	// Deliberately not calling Connect.

	key := subkey.New("BINANCE:BTCUSDT", "1")
	if ok := mux.Subscribe(key, "client"); ok {
		t.Error("expected subscribe to fail when not connected")
	}
}

func TestFullReconnectResubscribesSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleDelay = 10 * time.Millisecond
	d := faketest.New()
	m := &fakeMetrics{}
	mux := New(cfg, d, m, nil)
	ctx := context.Background()
	if err := mux.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mux.Close()

	keyA := subkey.New("A", "1")
	keyB := subkey.New("B", "5")
	mux.Subscribe(keyA, "client")
	mux.Subscribe(keyB, "client")

	if ok := mux.FullReconnect(ctx); !ok {
		t.Fatal("expected full reconnect to succeed")
	}

	keys := mux.List()
	if len(keys) != 2 {
		t.Fatalf("expected 2 subscriptions restored, got %d", len(keys))
	}
}

func TestUpdateSubscriptionsDiff(t *testing.T) {
	mux, d, _ := newTestMux(t)
	keyA := subkey.New("A", "1")
	keyB := subkey.New("B", "1")
	keyC := subkey.New("C", "1")

	mux.Subscribe(keyA, "client")
	mux.Subscribe(keyB, "client")

	mux.UpdateSubscriptions([]subkey.Key{keyB, keyC}, "resync")

	keys := mux.List()
	set := map[subkey.Key]bool{}
	for _, k := range keys {
		set[k] = true
	}
	if set[keyA] {
		t.Error("expected A to be removed")
	}
	if !set[keyB] || !set[keyC] {
		t.Error("expected B to remain and C to be added")
	}
	if got := d.ChartsDeleted(); got != 1 {
		t.Errorf("ChartsDeleted = %d, want 1", got)
	}
}
