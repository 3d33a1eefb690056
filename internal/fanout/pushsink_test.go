package fanout

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/bar-broker/internal/session"
)

type fakeMetrics struct {
	mu        sync.Mutex
	pushed    int
	latencies []float64
}

func (f *fakeMetrics) IncBarsPushed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed++
}

func (f *fakeMetrics) ObserveHTTPPushLatency(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latencies = append(f.latencies, seconds)
}

func (f *fakeMetrics) get() (pushed, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed, len(f.latencies)
}

func TestPushSinkSucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("X-Api-Key = %q, want secret", r.Header.Get("X-Api-Key"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultPushConfig(server.URL, "secret")
	m := &fakeMetrics{}
	sink := NewPushSink(cfg, m, nil)

	sink.Push(session.BarView{Symbol: "X", Timeframe: "1", Time: 1})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	pushed, observedCalls := m.get()
	if pushed != 1 {
		t.Errorf("bars pushed = %d, want 1", pushed)
	}
	if observedCalls != 1 {
		t.Errorf("latency observations = %d, want 1", observedCalls)
	}
}

func TestPushSinkRetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultPushConfig(server.URL, "")
	cfg.BackoffSec = time.Millisecond
	cfg.Attempts = 3
	m := &fakeMetrics{}
	sink := NewPushSink(cfg, m, nil)

	sink.Push(session.BarView{Symbol: "X", Timeframe: "1"})

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3 (P7: fails twice then succeeds)", got)
	}
	pushed, _ := m.get()
	if pushed != 1 {
		t.Errorf("bars pushed = %d, want 1", pushed)
	}
}

func TestPushSinkDropsAfterExhaustingAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultPushConfig(server.URL, "")
	cfg.BackoffSec = time.Millisecond
	cfg.Attempts = 2
	m := &fakeMetrics{}
	sink := NewPushSink(cfg, m, nil)

	sink.Push(session.BarView{Symbol: "X", Timeframe: "1"})

	if got := atomic.LoadInt32(&calls); got != 3 { // 1 + Attempts
		t.Errorf("calls = %d, want 3", got)
	}
	pushed, _ := m.get()
	if pushed != 0 {
		t.Errorf("bars pushed = %d, want 0 (all attempts failed)", pushed)
	}
}
