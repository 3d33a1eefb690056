package healthapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rickgao/bar-broker/internal/driver/faketest"
	"github.com/rickgao/bar-broker/internal/health"
	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/subkey"
)

type muxMetrics struct{}

func (muxMetrics) SetActiveSubscriptions(n int) {}

type healthMetrics struct{}

func (healthMetrics) SetLastDataReceivedSeconds(symbol, timeframe string, seconds float64) {}
func (healthMetrics) SetStaleSubscriptions(n int)                                          {}
func (healthMetrics) IncRecoveryAttempts()                                                 {}
func (healthMetrics) IncSuccessfulRecoveries()                                             {}
func (healthMetrics) IncFailedRecoveries()                                                 {}
func (healthMetrics) IncFullReconnects()                                                   {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d := faketest.New()
	mux := multiplexer.New(multiplexer.DefaultConfig(), d, muxMetrics{}, nil)
	if err := mux.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { mux.Close() })

	monitor := health.New(health.DefaultConfig(), mux, healthMetrics{}, nil)

	return New(mux, monitor, func() bool { return mux.FullReconnect(context.Background()) }, nil)
}

func TestHealthEndpointReportsConnected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestStatusEndpointIncludesSubscriptions(t *testing.T) {
	s := newTestServer(t)
	s.mux.Subscribe(subkey.New("X", "1"), "client")

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	subs, ok := body["subscriptions"].([]any)
	if !ok || len(subs) != 1 {
		t.Fatalf("subscriptions = %v, want one entry", body["subscriptions"])
	}
}

func TestRecoverySubscriptionRequiresFields(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/recovery/subscription", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400 for missing body", rec.Code)
	}
}

func TestFullReconnectEndpointTriggersReconnect(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/recovery/full-reconnect", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
}
